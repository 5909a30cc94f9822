//go:build linux

package netdev

import (
	"fmt"
	"net"

	"github.com/safchain/ethtool"
)

// NewEthtoolStatsProvider creates a provider backed by an ethtool client.
func NewEthtoolStatsProvider() (*EthtoolStatsProvider, error) {
	client, err := ethtool.NewEthtool()
	if err != nil {
		return nil, fmt.Errorf("open ethtool client: %w", err)
	}
	return newEthtoolStatsProvider(client), nil
}

// PermanentAddr reads the permanent hardware address of a netdev through a
// one-shot ethtool client.
func PermanentAddr(netDev string) (net.HardwareAddr, error) {
	provider, err := NewEthtoolStatsProvider()
	if err != nil {
		return nil, err
	}
	defer provider.Close()
	return provider.PermAddr(netDev)
}

//go:build !linux

package netdev

import (
	"errors"
	"net"
)

// NewEthtoolStatsProvider is only supported on Linux hosts.
func NewEthtoolStatsProvider() (*EthtoolStatsProvider, error) {
	return nil, errors.New("ethtool stats provider is supported on linux only")
}

// PermanentAddr is only supported on Linux hosts.
func PermanentAddr(netDev string) (net.HardwareAddr, error) {
	return nil, errors.New("permanent address lookup is supported on linux only")
}

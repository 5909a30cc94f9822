package netdev

import (
	"context"
	"fmt"
	"net"
	"sync"
)

type ethtoolClient interface {
	Stats(intf string) (map[string]uint64, error)
	PermAddr(intf string) (string, error)
	Close()
}

// EthtoolStatsProvider reads per-interface driver counters and the
// permanent hardware address via ethtool.
type EthtoolStatsProvider struct {
	mu     sync.Mutex
	client ethtoolClient
}

func newEthtoolStatsProvider(client ethtoolClient) *EthtoolStatsProvider {
	return &EthtoolStatsProvider{client: client}
}

// Stats fetches driver counters for the specified netdev.
func (p *EthtoolStatsProvider) Stats(ctx context.Context, netDev string) (map[string]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats, err := p.client.Stats(netDev)
	if err != nil {
		return nil, fmt.Errorf("read ethtool stats for %s: %w", netDev, err)
	}
	out := make(map[string]uint64, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out, nil
}

// PermAddr fetches the permanent hardware address of the specified netdev.
func (p *EthtoolStatsProvider) PermAddr(netDev string) (net.HardwareAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, err := p.client.PermAddr(netDev)
	if err != nil {
		return nil, fmt.Errorf("read permanent address for %s: %w", netDev, err)
	}
	addr, err := net.ParseMAC(raw)
	if err != nil {
		return nil, fmt.Errorf("parse permanent address %q for %s: %w", raw, netDev, err)
	}
	return addr, nil
}

// Close closes the underlying ethtool client.
func (p *EthtoolStatsProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	p.client.Close()
	p.client = nil
	return nil
}

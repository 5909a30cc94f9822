//go:build !linux

package dataplane

import (
	"fmt"
	"net"

	"github.com/google/gopacket/pcap"
)

// pcapPort captures through a libpcap handle. libpcap reads recover VLAN
// tags that raw-socket reads would lose on kernels that offload them. The
// handle exposes no descriptor to Go, so a pump goroutine moves packets into
// the source channel and the pump's pipe serves as the wait handle.
type pcapPort struct {
	ifaceName string
	device    int
	port      int
	handle    *pcap.Handle
	pump      *pump
}

func newLibpcapPort(ifaceName string, device, port int, cfg *Config) (Port, error) {
	handle, err := pcap.OpenLive(ifaceName, int32(cfg.SocketRecvSize), true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("open pcap handle on %s: %w", ifaceName, err)
	}
	pm, err := newPump()
	if err != nil {
		handle.Close()
		return nil, err
	}
	p := &pcapPort{
		ifaceName: ifaceName,
		device:    device,
		port:      port,
		handle:    handle,
		pump:      pm,
	}
	go p.readLoop()
	return p, nil
}

func (p *pcapPort) readLoop() {
	for {
		data, ci, err := p.handle.ReadPacketData()
		switch err {
		case nil:
		case pcap.NextErrorTimeoutExpired:
			continue
		default:
			return
		}
		if !p.pump.put(data, ci.Timestamp) {
			return
		}
	}
}

func (p *pcapPort) PacketSource() PacketSource {
	return p
}

func (p *pcapPort) WaitFd() int {
	return p.pump.WaitFd()
}

func (p *pcapPort) Recv() (*Packet, error) {
	item, ok := p.pump.tryGet()
	if !ok {
		return nil, nil
	}
	return &Packet{Device: p.device, Port: p.port, Data: item.data, Time: item.ts}, nil
}

func (p *pcapPort) Send(pkt []byte) (int, error) {
	if err := p.handle.WritePacketData(pkt); err != nil {
		return 0, fmt.Errorf("inject on %s: %w", p.ifaceName, err)
	}
	return len(pkt), nil
}

// Administrative link control is not available through libpcap.
func (p *pcapPort) Up() error   { return nil }
func (p *pcapPort) Down() error { return nil }

func (p *pcapPort) MAC() (net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(p.ifaceName)
	if err != nil || len(iface.HardwareAddr) == 0 {
		return nil, ErrInfoUnavailable
	}
	return iface.HardwareAddr, nil
}

func (p *pcapPort) Close() error {
	p.pump.Close()
	p.handle.Close()
	return nil
}

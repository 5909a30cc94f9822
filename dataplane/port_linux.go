//go:build linux

package dataplane

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/yuuki/go-dataplane/internal/netdev"
)

const rawRecvTimeout = 10 * time.Second

// tpacket_auxdata status bits; the kernel strips the VLAN tag from the base
// read and reports it out of band.
const (
	tpStatusVlanValid     = 1 << 4
	tpStatusVlanTpidValid = 1 << 6

	tpacketAuxdataSize = 20
	defaultVlanTpid    = 0x8100
)

// rawPort captures and injects frames on a network interface through an
// AF_PACKET socket. The socket doubles as the port's packet source.
type rawPort struct {
	ifaceName string
	device    int
	port      int
	fd        int
	recvSize  int
}

func newRawPort(ifaceName string, device, port int, cfg *Config) (Port, error) {
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, fmt.Errorf("open packet socket: %w", err)
	}
	p := &rawPort{
		ifaceName: ifaceName,
		device:    device,
		port:      port,
		fd:        fd,
		recvSize:  cfg.SocketRecvSize,
	}
	if err := p.configure(proto); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return p, nil
}

func (p *rawPort) configure(proto uint16) error {
	// ask the kernel for auxdata so stripped VLAN tags can be recovered
	if err := unix.SetsockoptInt(p.fd, unix.SOL_PACKET, unix.PACKET_AUXDATA, 1); err != nil {
		return fmt.Errorf("enable packet auxdata: %w", err)
	}

	iface, err := net.InterfaceByName(p.ifaceName)
	if err != nil {
		return fmt.Errorf("interface %s: %w", p.ifaceName, err)
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(p.fd, sll); err != nil {
		return fmt.Errorf("bind to %s: %w", p.ifaceName, err)
	}

	mreq := &unix.PacketMreq{
		Ifindex: int32(iface.Index),
		Type:    unix.PACKET_MR_PROMISC,
	}
	if err := unix.SetsockoptPacketMreq(p.fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, mreq); err != nil {
		return fmt.Errorf("set promiscuous on %s: %w", p.ifaceName, err)
	}

	tv := unix.NsecToTimeval(rawRecvTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(p.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("set receive timeout: %w", err)
	}
	return nil
}

func (p *rawPort) PacketSource() PacketSource {
	return p
}

func (p *rawPort) WaitFd() int {
	return p.fd
}

func (p *rawPort) Recv() (*Packet, error) {
	buf := make([]byte, p.recvSize)
	oob := make([]byte, unix.CmsgSpace(tpacketAuxdataSize))
	n, oobn, _, _, err := unix.Recvmsg(p.fd, buf, oob, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("recvmsg on %s: %w", p.ifaceName, err)
	}
	data := reinsertVlan(buf[:n], oob[:oobn])
	return &Packet{Device: p.device, Port: p.port, Data: data, Time: time.Now()}, nil
}

// reinsertVlan puts a VLAN tag reported through PACKET_AUXDATA back into the
// frame at its wire position.
func reinsertVlan(data, oob []byte) []byte {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return data
	}
	for _, cmsg := range cmsgs {
		if cmsg.Header.Level != unix.SOL_PACKET || cmsg.Header.Type != unix.PACKET_AUXDATA {
			continue
		}
		if len(cmsg.Data) < tpacketAuxdataSize || len(data) < 12 {
			continue
		}
		status := binary.NativeEndian.Uint32(cmsg.Data[0:4])
		tci := binary.NativeEndian.Uint16(cmsg.Data[16:18])
		tpid := binary.NativeEndian.Uint16(cmsg.Data[18:20])
		if status&tpStatusVlanValid == 0 && tci == 0 {
			continue
		}
		if status&tpStatusVlanTpidValid == 0 {
			tpid = defaultVlanTpid
		}
		tagged := make([]byte, 0, len(data)+4)
		tagged = append(tagged, data[:12]...)
		tagged = binary.BigEndian.AppendUint16(tagged, tpid)
		tagged = binary.BigEndian.AppendUint16(tagged, tci)
		tagged = append(tagged, data[12:]...)
		return tagged
	}
	return data
}

func (p *rawPort) Send(pkt []byte) (int, error) {
	n, err := unix.Write(p.fd, pkt)
	if err != nil {
		return 0, fmt.Errorf("send on %s: %w", p.ifaceName, err)
	}
	return n, nil
}

func (p *rawPort) Up() error {
	link, err := netlink.LinkByName(p.ifaceName)
	if err != nil {
		return fmt.Errorf("link %s: %w", p.ifaceName, err)
	}
	return netlink.LinkSetUp(link)
}

func (p *rawPort) Down() error {
	link, err := netlink.LinkByName(p.ifaceName)
	if err != nil {
		return fmt.Errorf("link %s: %w", p.ifaceName, err)
	}
	return netlink.LinkSetDown(link)
}

func (p *rawPort) MAC() (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(p.ifaceName)
	if err == nil && len(link.Attrs().HardwareAddr) > 0 {
		return link.Attrs().HardwareAddr, nil
	}
	// some virtual links report no address through netlink; ethtool's
	// permanent address is the fallback
	addr, permErr := netdev.PermanentAddr(p.ifaceName)
	if permErr != nil {
		return nil, ErrInfoUnavailable
	}
	return addr, nil
}

func (p *rawPort) Close() error {
	return unix.Close(p.fd)
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

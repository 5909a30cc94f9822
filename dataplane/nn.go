package dataplane

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pair"

	// register the socket transports the peer address may name
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// Virtual-transport message types. Every message starts with a fixed
// 12-byte header of three little-endian int32s: type, port, more. Data
// messages carry the frame after the header with more holding its length;
// control messages reuse more for their own payload.
const (
	nnMsgPortAdd       = 0
	nnMsgPortRemove    = 1
	nnMsgPortSetStatus = 2
	nnMsgPacketIn      = 3
	nnMsgPacketOut     = 4
	nnMsgInfoReq       = 5
	nnMsgInfoRep       = 6

	nnPortStatusUp   = 0
	nnPortStatusDown = 1

	nnInfoHwAddr = 0
	nnInfoCtrs   = 1

	nnInfoStatusSuccess      = 0
	nnInfoStatusNotSupported = 1

	nnHeaderSize = 12
)

type nnSourceKey struct {
	device int
	addr   string
}

// nnCounters is a control-plane counter pair reported by the peer.
type nnCounters struct {
	rx uint32
	tx uint32
}

// nnPacketSource multiplexes every port of one device over a single paired
// message socket. Data frames, port control, and info request/reply all
// share the connection; only PACKET_OUT messages for registered ports
// surface through Recv. The source has its own mutex and condition,
// distinct from the engine's, so info queries never hold the engine mutex
// across a transport round trip.
type nnPacketSource struct {
	device int
	addr   string
	sock   mangos.Socket
	pump   *pump
	logger *slog.Logger

	infoTimeout time.Duration

	mu    sync.Mutex
	cond  *sync.Cond
	ports map[int]struct{}
	macs  map[int]net.HardwareAddr
	ctrs  map[int]nnCounters
}

func newNNPacketSource(device int, addr string, cfg *Config) (*nnPacketSource, error) {
	sock, err := pair.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("create pair socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, cfg.NNRecvTimeout); err != nil {
		sock.Close()
		return nil, fmt.Errorf("set receive deadline: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSendDeadline, cfg.NNSendTimeout); err != nil {
		sock.Close()
		return nil, fmt.Errorf("set send deadline: %w", err)
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	pm, err := newPump()
	if err != nil {
		sock.Close()
		return nil, err
	}
	s := &nnPacketSource{
		device:      device,
		addr:        addr,
		sock:        sock,
		pump:        pm,
		logger:      cfg.Logger.With("component", "nn-source", "device", device),
		infoTimeout: cfg.NNInfoTimeout,
		ports:       make(map[int]struct{}),
		macs:        make(map[int]net.HardwareAddr),
		ctrs:        make(map[int]nnCounters),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.readLoop()
	return s, nil
}

// readLoop moves raw messages from the socket into the pump so the capture
// loop sees a pollable descriptor.
func (s *nnPacketSource) readLoop() {
	for {
		msg, err := s.sock.Recv()
		switch err {
		case nil:
		case mangos.ErrRecvTimeout:
			continue
		case mangos.ErrClosed:
			return
		default:
			s.logger.Error("transport receive failed", "err", err)
			return
		}
		if !s.pump.put(msg, time.Now()) {
			return
		}
	}
}

func (s *nnPacketSource) WaitFd() int {
	return s.pump.WaitFd()
}

// Recv consumes one pending message. Messages for unregistered ports are
// dropped; INFO_REP messages feed the caches and wake info waiters. Only a
// PACKET_OUT for a registered port yields a frame.
func (s *nnPacketSource) Recv() (*Packet, error) {
	item, ok := s.pump.tryGet()
	if !ok {
		return nil, nil
	}
	msg := item.data
	if len(msg) < nnHeaderSize {
		s.logger.Warn("short transport message", "len", len(msg))
		return nil, nil
	}
	msgType := int32(binary.LittleEndian.Uint32(msg[0:4]))
	port := int(int32(binary.LittleEndian.Uint32(msg[4:8])))
	more := int(int32(binary.LittleEndian.Uint32(msg[8:12])))
	payload := msg[nnHeaderSize:]

	if !s.registered(port) {
		return nil, nil
	}

	switch msgType {
	case nnMsgInfoRep:
		s.handleInfoRep(port, more, payload)
		return nil, nil
	case nnMsgPacketOut:
		if len(payload) != more {
			s.logger.Warn("data message length mismatch", "port", port, "more", more, "len", len(payload))
			return nil, nil
		}
		return &Packet{Device: s.device, Port: port, Data: payload, Time: item.ts}, nil
	default:
		s.logger.Debug("ignoring unexpected message type", "type", msgType, "port", port)
		return nil, nil
	}
}

func (s *nnPacketSource) registered(port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ports[port]
	return ok
}

// handleInfoRep dispatches an info reply into its cache. The reply payload
// starts with an int32 status; the info body follows only on success.
func (s *nnPacketSource) handleInfoRep(port, kind int, payload []byte) {
	if len(payload) < 4 {
		s.logger.Warn("short info reply", "port", port, "len", len(payload))
		return
	}
	status := int32(binary.LittleEndian.Uint32(payload[0:4]))
	body := payload[4:]

	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case nnInfoHwAddr:
		if status == nnInfoStatusSuccess {
			s.macs[port] = net.HardwareAddr(body)
		} else {
			s.macs[port] = nil
		}
	case nnInfoCtrs:
		if status == nnInfoStatusSuccess && len(body) >= 8 {
			s.ctrs[port] = nnCounters{
				rx: binary.LittleEndian.Uint32(body[0:4]),
				tx: binary.LittleEndian.Uint32(body[4:8]),
			}
		}
	default:
		s.logger.Warn("unknown info reply kind", "kind", kind, "port", port)
		return
	}
	s.cond.Broadcast()
}

func (s *nnPacketSource) sendPortMsg(msgType, port, more int32) error {
	msg := make([]byte, nnHeaderSize)
	binary.LittleEndian.PutUint32(msg[0:4], uint32(msgType))
	binary.LittleEndian.PutUint32(msg[4:8], uint32(port))
	binary.LittleEndian.PutUint32(msg[8:12], uint32(more))
	return s.sock.Send(msg)
}

func (s *nnPacketSource) portAdd(port int) error {
	s.mu.Lock()
	s.ports[port] = struct{}{}
	s.mu.Unlock()
	return s.sendPortMsg(nnMsgPortAdd, int32(port), 0)
}

func (s *nnPacketSource) portRemove(port int) error {
	s.mu.Lock()
	delete(s.ports, port)
	s.mu.Unlock()
	return s.sendPortMsg(nnMsgPortRemove, int32(port), 0)
}

func (s *nnPacketSource) bringUp(port int) error {
	return s.sendPortMsg(nnMsgPortSetStatus, int32(port), nnPortStatusUp)
}

func (s *nnPacketSource) bringDown(port int) error {
	return s.sendPortMsg(nnMsgPortSetStatus, int32(port), nnPortStatusDown)
}

// send serializes one PACKET_IN data message for the port. The transport
// does not report a byte count; an accepted message counts in full.
func (s *nnPacketSource) send(port int, pkt []byte) (int, error) {
	msg := make([]byte, nnHeaderSize+len(pkt))
	binary.LittleEndian.PutUint32(msg[0:4], nnMsgPacketIn)
	binary.LittleEndian.PutUint32(msg[4:8], uint32(port))
	binary.LittleEndian.PutUint32(msg[8:12], uint32(len(pkt)))
	copy(msg[nnHeaderSize:], pkt)
	if err := s.sock.Send(msg); err != nil {
		return 0, fmt.Errorf("send data message: %w", err)
	}
	return len(pkt), nil
}

// getInfo waits for the cache to hold an entry for the port, re-sending the
// request on every wake, until the info timeout passes. The peer answers
// asynchronously through the capture loop's Recv.
func (s *nnPacketSource) getInfo(port int, cached func() bool, request func() error) error {
	deadline := time.Now().Add(s.infoTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	for !cached() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrInfoUnavailable
		}
		if err := request(); err != nil {
			return fmt.Errorf("send info request: %w", err)
		}
		condWaitTimeout(s.cond, remaining)
	}
	return nil
}

func (s *nnPacketSource) getMAC(port int) (net.HardwareAddr, error) {
	var addr net.HardwareAddr
	err := s.getInfo(port,
		func() bool {
			v, ok := s.macs[port]
			addr = v
			return ok
		},
		func() error { return s.sendPortMsg(nnMsgInfoReq, int32(port), nnInfoHwAddr) },
	)
	if err != nil {
		return nil, err
	}
	if addr == nil {
		// peer replied that it has no address for the port
		return nil, ErrInfoUnavailable
	}
	return addr, nil
}

func (s *nnPacketSource) getCounters(port int) (uint32, uint32, error) {
	// clear the stale entry so the peer must answer with fresh values
	s.mu.Lock()
	delete(s.ctrs, port)
	s.mu.Unlock()

	var out nnCounters
	err := s.getInfo(port,
		func() bool {
			v, ok := s.ctrs[port]
			out = v
			return ok
		},
		func() error { return s.sendPortMsg(nnMsgInfoReq, int32(port), nnInfoCtrs) },
	)
	if err != nil {
		return 0, 0, err
	}
	return out.rx, out.tx, nil
}

func (s *nnPacketSource) Close() {
	s.pump.Close()
	if err := s.sock.Close(); err != nil {
		s.logger.Error("transport close failed", "err", err)
	}
}

// nnPort is one logical port of a virtual-transport device. All ports of a
// device share the device's packet source.
type nnPort struct {
	src  *nnPacketSource
	port int
}

// newNNPort attaches a port to the device's shared source, creating the
// source on first use. The sharing table lives on the engine, not in a
// package global, so engines never alias sockets. Caller holds the engine
// mutex.
func (dp *DataPlane) newNNPort(addr string, device, port int) (Port, error) {
	key := nnSourceKey{device: device, addr: addr}
	src, ok := dp.nnSources[key]
	if !ok {
		var err error
		src, err = newNNPacketSource(device, addr, &dp.cfg)
		if err != nil {
			return nil, err
		}
		dp.nnSources[key] = src
	}
	if err := src.portAdd(port); err != nil {
		return nil, fmt.Errorf("announce port %d: %w", port, err)
	}
	return &nnPort{src: src, port: port}, nil
}

func (p *nnPort) PacketSource() PacketSource {
	return p.src
}

func (p *nnPort) Send(pkt []byte) (int, error) {
	return p.src.send(p.port, pkt)
}

func (p *nnPort) Up() error {
	return p.src.bringUp(p.port)
}

func (p *nnPort) Down() error {
	return p.src.bringDown(p.port)
}

func (p *nnPort) MAC() (net.HardwareAddr, error) {
	return p.src.getMAC(p.port)
}

// NNCounters queries the peer's control-plane counters for this port.
func (p *nnPort) NNCounters() (rx, tx uint32, err error) {
	return p.src.getCounters(p.port)
}

// Close detaches the port from the shared source. The source itself stays
// open for the engine's lifetime.
func (p *nnPort) Close() error {
	return p.src.portRemove(p.port)
}

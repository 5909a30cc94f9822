// Package dataplane captures and injects frames on the set of ports
// attached to a device under test. A background goroutine multiplexes every
// registered packet source on one poll(2) wait, buffers received frames in
// bounded per-port queues, and lets test code synchronously send frames or
// wait for a frame matching an expectation.
package dataplane

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// PortID identifies one logical attachment point to the device under test.
type PortID struct {
	Device int
	Port   int
}

func (id PortID) String() string {
	return fmt.Sprintf("%d/%d", id.Device, id.Port)
}

type queuedPacket struct {
	data []byte
	ts   time.Time
}

// PacketWriter is the write-through capture sink. The engine treats it as
// opaque: every sent and received frame is handed to Write while a tap is
// active.
type PacketWriter interface {
	Write(pkt []byte, ts time.Time, device, port int) error
	Close() error
}

var (
	// ErrPortExists is returned by PortAdd for an already-registered key.
	ErrPortExists = errors.New("dataplane: port already registered")

	// ErrUnknownPort is returned by operations on an unregistered key.
	ErrUnknownPort = errors.New("dataplane: no such port")

	// ErrKilled is returned by PortAdd on a shut-down engine.
	ErrKilled = errors.New("dataplane: engine killed")

	// ErrPcapActive is returned by StartPcap while a tap is active.
	ErrPcapActive = errors.New("dataplane: pcap tap already active")
)

// DataPlane owns the ports attached to the device under test. It runs one
// capture goroutine for the lifetime of the engine; Kill must be called to
// stop it and release the ports.
type DataPlane struct {
	cfg    Config
	logger *slog.Logger
	waker  *waker

	mu   sync.Mutex
	cond *sync.Cond

	ports  map[PortID]Port
	ifaces map[PortID]string
	queues map[PortID][]queuedPacket
	rx     map[PortID]uint64
	tx     map[PortID]uint64
	qlen   int
	tap    PacketWriter

	killed bool
	done   chan struct{}

	// one shared virtual-transport source per (device, address); scoped
	// to the engine so several engines in one process never alias
	// sockets
	nnSources map[nnSourceKey]*nnPacketSource
}

// New builds the engine and starts its capture goroutine.
func New(cfg Config) (*DataPlane, error) {
	w, err := newWaker()
	if err != nil {
		return nil, err
	}
	dp := &DataPlane{
		cfg:       cfg.withDefaults(),
		waker:     w,
		ports:     make(map[PortID]Port),
		ifaces:    make(map[PortID]string),
		queues:    make(map[PortID][]queuedPacket),
		rx:        make(map[PortID]uint64),
		tx:        make(map[PortID]uint64),
		done:      make(chan struct{}),
		nnSources: make(map[nnSourceKey]*nnPacketSource),
	}
	dp.logger = dp.cfg.Logger.With("component", "dataplane")
	dp.cond = sync.NewCond(&dp.mu)
	dp.qlen = dp.cfg.QLen

	go dp.run()
	return dp, nil
}

// newPort constructs the backend selected by the configuration: the virtual
// transport when forced by Platform, then a custom factory, then the raw
// AF_PACKET backend on Linux, then the libpcap backend.
func (dp *DataPlane) newPort(ifaceName string, device, port int) (Port, error) {
	switch {
	case dp.cfg.Platform == "nn":
		return dp.newNNPort(ifaceName, device, port)
	case dp.cfg.PortFactory != nil:
		return dp.cfg.PortFactory(ifaceName, device, port, &dp.cfg)
	case runtime.GOOS == "linux":
		return newRawPort(ifaceName, device, port, &dp.cfg)
	default:
		return newLibpcapPort(ifaceName, device, port, &dp.cfg)
	}
}

// run is the capture loop. Each iteration snapshots the deduplicated source
// set plus the wake handle, waits for readability with a one second ceiling,
// and drains each readable source under the engine mutex.
func (dp *DataPlane) run() {
	defer close(dp.done)

	for {
		dp.mu.Lock()
		if dp.killed {
			dp.mu.Unlock()
			dp.logger.Info("capture loop exiting")
			return
		}
		sources := make(map[PacketSource]struct{}, len(dp.ports))
		for _, p := range dp.ports {
			sources[p.PacketSource()] = struct{}{}
		}
		dp.mu.Unlock()

		byFd := make(map[int]PacketSource, len(sources))
		fds := make([]unix.PollFd, 0, len(sources)+1)
		fds = append(fds, unix.PollFd{Fd: int32(dp.waker.WaitFd()), Events: unix.POLLIN})
		for src := range sources {
			byFd[src.WaitFd()] = src
			fds = append(fds, unix.PollFd{Fd: int32(src.WaitFd()), Events: unix.POLLIN})
		}

		n, err := unix.Poll(fds, 1000)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			dp.logger.Error("capture loop wait failed, exiting", "err", err)
			return
		}
		if n == 0 {
			continue
		}

		dp.mu.Lock()
		for _, pfd := range fds {
			if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) == 0 {
				continue
			}
			if int(pfd.Fd) == dp.waker.WaitFd() {
				dp.waker.Drain()
				continue
			}
			src, ok := byFd[int(pfd.Fd)]
			if !ok {
				continue
			}
			pkt, err := src.Recv()
			if err != nil {
				dp.logger.Error("source receive failed", "err", err)
				continue
			}
			if pkt == nil {
				continue
			}
			dp.enqueueLocked(pkt)
		}
		dp.cond.Broadcast()
		dp.mu.Unlock()
	}
}

func (dp *DataPlane) enqueueLocked(pkt *Packet) {
	id := PortID{Device: pkt.Device, Port: pkt.Port}
	dp.logger.Debug("packet in", "len", len(pkt.Data), "device", pkt.Device, "port", pkt.Port)
	if dp.tap != nil {
		if err := dp.tap.Write(pkt.Data, pkt.Time, pkt.Device, pkt.Port); err != nil {
			dp.logger.Error("pcap tap write failed", "err", err)
		}
	}
	queue, ok := dp.queues[id]
	if !ok {
		// port was removed between recv and enqueue
		dp.logger.Debug("dropping packet for removed port", "port_id", id)
		return
	}
	if len(queue) >= dp.qlen {
		dp.logger.Debug("queue full, discarding oldest packet", "port_id", id)
		queue = queue[1:]
	}
	dp.queues[id] = append(queue, queuedPacket{data: pkt.Data, ts: pkt.Time})
	dp.rx[id]++
}

// PortAdd registers a port and starts capturing on it. ifaceName is the
// interface name for kernel backends or the socket address for the virtual
// transport.
func (dp *DataPlane) PortAdd(ifaceName string, device, port int) error {
	id := PortID{Device: device, Port: port}

	dp.mu.Lock()
	if dp.killed {
		dp.mu.Unlock()
		return ErrKilled
	}
	if _, ok := dp.ports[id]; ok {
		dp.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPortExists, id)
	}
	p, err := dp.newPort(ifaceName, device, port)
	if err != nil {
		dp.mu.Unlock()
		return fmt.Errorf("dataplane: add port %s on %q: %w", id, ifaceName, err)
	}
	dp.ports[id] = p
	dp.ifaces[id] = ifaceName
	dp.queues[id] = nil
	dp.cond.Broadcast()
	dp.mu.Unlock()

	// wake the capture loop so it recomputes its source set
	dp.waker.Notify()
	return nil
}

// PortRemove drops a port, its queue, and the OS resources behind it.
// Returns false for an unknown key.
func (dp *DataPlane) PortRemove(device, port int) bool {
	id := PortID{Device: device, Port: port}

	dp.mu.Lock()
	p, ok := dp.ports[id]
	if !ok {
		dp.mu.Unlock()
		dp.logger.Warn("invalid port remove", "device", device, "port", port)
		return false
	}
	delete(dp.ports, id)
	delete(dp.ifaces, id)
	delete(dp.queues, id)
	dp.cond.Broadcast()
	dp.mu.Unlock()

	if err := p.Close(); err != nil {
		dp.logger.Error("port close failed", "port_id", id, "err", err)
	}
	dp.waker.Notify()
	return true
}

// Send transmits a frame on the given port and returns the number of bytes
// sent, or zero when the port is unknown or the backend rejects the frame.
func (dp *DataPlane) Send(device, port int, pkt []byte) int {
	id := PortID{Device: device, Port: port}

	dp.mu.Lock()
	defer dp.mu.Unlock()

	p, ok := dp.ports[id]
	if !ok {
		dp.logger.Error("send: no such port", "device", device, "port", port)
		return 0
	}
	dp.logger.Debug("packet out", "len", len(pkt), "device", device, "port", port)
	if len(pkt) < 15 && runtime.GOOS == "linux" {
		dp.logger.Warn("the kernel may not send frames smaller than 15 bytes", "len", len(pkt))
	}
	if dp.tap != nil {
		if err := dp.tap.Write(pkt, time.Now(), device, port); err != nil {
			dp.logger.Error("pcap tap write failed", "err", err)
		}
	}
	n, err := p.Send(pkt)
	dp.tx[id]++
	if err != nil {
		dp.logger.Error("send failed", "port_id", id, "err", err)
		return n
	}
	if n != len(pkt) {
		dp.logger.Error("short send", "port_id", id, "sent", n, "len", len(pkt))
	}
	return n
}

// PortUp brings the port's administrative link state up.
func (dp *DataPlane) PortUp(device, port int) error {
	p, err := dp.lookupPort(device, port)
	if err != nil {
		return err
	}
	return p.Up()
}

// PortDown brings the port's administrative link state down.
func (dp *DataPlane) PortDown(device, port int) error {
	p, err := dp.lookupPort(device, port)
	if err != nil {
		return err
	}
	return p.Down()
}

// GetMAC returns the hardware address of the port, or ErrInfoUnavailable
// when the backend cannot determine it.
func (dp *DataPlane) GetMAC(device, port int) ([]byte, error) {
	p, err := dp.lookupPort(device, port)
	if err != nil {
		return nil, err
	}
	addr, err := p.MAC()
	if err != nil {
		return nil, err
	}
	return addr, nil
}

// GetCounters returns the engine's receive and transmit counts for the
// port. The receive count includes frames later dropped for queue overflow.
func (dp *DataPlane) GetCounters(device, port int) (rx, tx uint64) {
	id := PortID{Device: device, Port: port}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.rx[id], dp.tx[id]
}

// GetNNCounters queries the virtual-transport peer for its own counters of
// the port. It is defined only for virtual-transport ports.
func (dp *DataPlane) GetNNCounters(device, port int) (rx, tx uint32, err error) {
	p, err := dp.lookupPort(device, port)
	if err != nil {
		return 0, 0, err
	}
	np, ok := p.(*nnPort)
	if !ok {
		return 0, 0, fmt.Errorf("dataplane: port %d/%d is not a virtual-transport port", device, port)
	}
	return np.NNCounters()
}

func (dp *DataPlane) lookupPort(device, port int) (Port, error) {
	id := PortID{Device: device, Port: port}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	p, ok := dp.ports[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPort, id)
	}
	return p, nil
}

// Flush drops every queued packet. Counters are untouched.
func (dp *DataPlane) Flush() {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	for id := range dp.queues {
		dp.queues[id] = nil
	}
}

// SetQLen changes the per-port queue capacity for subsequent enqueues.
func (dp *DataPlane) SetQLen(qlen int) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if qlen > 0 {
		dp.qlen = qlen
	}
}

// StartPcap opens a write-through pcap tap: every frame sent or received
// from now on is appended to the file. Only one tap may be active.
func (dp *DataPlane) StartPcap(path string) error {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.tap != nil {
		return ErrPcapActive
	}
	w, err := newPcapWriter(path)
	if err != nil {
		return err
	}
	dp.tap = w
	return nil
}

// StopPcap flushes and detaches the active tap. It holds the engine mutex so
// no in-flight capture write is lost.
func (dp *DataPlane) StopPcap() error {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.tap == nil {
		return nil
	}
	err := dp.tap.Close()
	dp.tap = nil
	dp.cond.Broadcast()
	return err
}

// Kill stops the capture goroutine, joins it, and releases every backend
// and the active tap. Calling Kill again is a no-op.
func (dp *DataPlane) Kill() {
	dp.mu.Lock()
	if dp.killed {
		dp.mu.Unlock()
		return
	}
	dp.killed = true
	dp.mu.Unlock()

	dp.waker.Notify()
	<-dp.done

	dp.mu.Lock()
	ports := dp.ports
	dp.ports = make(map[PortID]Port)
	dp.ifaces = make(map[PortID]string)
	dp.queues = make(map[PortID][]queuedPacket)
	sources := dp.nnSources
	dp.nnSources = make(map[nnSourceKey]*nnPacketSource)
	tap := dp.tap
	dp.tap = nil
	dp.cond.Broadcast()
	dp.mu.Unlock()

	for id, p := range ports {
		if err := p.Close(); err != nil {
			dp.logger.Error("port close failed", "port_id", id, "err", err)
		}
	}
	for _, src := range sources {
		src.Close()
	}
	if tap != nil {
		if err := tap.Close(); err != nil {
			dp.logger.Error("pcap tap close failed", "err", err)
		}
	}
	dp.waker.Close()
}

// Alive reports whether the capture goroutine is still running.
func (dp *DataPlane) Alive() bool {
	select {
	case <-dp.done:
		return false
	default:
		return true
	}
}

// PortCounters is one row of the engine's counter snapshot.
type PortCounters struct {
	ID        PortID
	Interface string
	Rx        uint64
	Tx        uint64
	QueueLen  int
}

// Snapshot returns per-port counters and queue depths sorted by device then
// port number.
func (dp *DataPlane) Snapshot() []PortCounters {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	out := make([]PortCounters, 0, len(dp.ports))
	for id := range dp.ports {
		out = append(out, PortCounters{
			ID:        id,
			Interface: dp.ifaces[id],
			Rx:        dp.rx[id],
			Tx:        dp.tx[id],
			QueueLen:  len(dp.queues[id]),
		})
	}
	slices.SortFunc(out, func(a, b PortCounters) int {
		if a.ID.Device != b.ID.Device {
			return a.ID.Device - b.ID.Device
		}
		return a.ID.Port - b.ID.Port
	})
	return out
}

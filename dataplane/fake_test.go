package dataplane

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeSource feeds packets to the capture loop through a real self-pipe so
// the poll(2) multiplexing path is exercised end to end.
type fakeSource struct {
	w *waker

	mu      sync.Mutex
	pending []*Packet
}

func newFakeSource(t *testing.T) *fakeSource {
	w, err := newWaker()
	if err != nil {
		if t == nil {
			panic(err)
		}
		t.Fatalf("create fake source pipe: %v", err)
	}
	return &fakeSource{w: w}
}

func (s *fakeSource) WaitFd() int {
	return s.w.WaitFd()
}

func (s *fakeSource) Recv() (*Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.drainOne()
	if len(s.pending) == 0 {
		return nil, nil
	}
	pkt := s.pending[0]
	s.pending = s.pending[1:]
	return pkt, nil
}

func (s *fakeSource) inject(device, port int, data []byte, ts time.Time) {
	s.mu.Lock()
	s.pending = append(s.pending, &Packet{Device: device, Port: port, Data: data, Time: ts})
	s.mu.Unlock()
	s.w.Notify()
}

// fakePort is a backend stub. With loopback set, Send re-injects the frame
// on its own source, optionally zero-padded to padTo bytes the way a kernel
// pads short Ethernet frames.
type fakePort struct {
	src      *fakeSource
	device   int
	port     int
	loopback bool
	padTo    int
	hwAddr   net.HardwareAddr

	mu        sync.Mutex
	sent      [][]byte
	upCalls   int
	downCalls int
	closed    bool
}

func (p *fakePort) PacketSource() PacketSource { return p.src }

func (p *fakePort) Send(pkt []byte) (int, error) {
	p.mu.Lock()
	p.sent = append(p.sent, append([]byte(nil), pkt...))
	p.mu.Unlock()
	if p.loopback {
		data := append([]byte(nil), pkt...)
		for len(data) < p.padTo {
			data = append(data, 0)
		}
		p.src.inject(p.device, p.port, data, time.Now())
	}
	return len(pkt), nil
}

func (p *fakePort) Up() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upCalls++
	return nil
}

func (p *fakePort) Down() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downCalls++
	return nil
}

func (p *fakePort) MAC() (net.HardwareAddr, error) {
	if p.hwAddr == nil {
		return nil, ErrInfoUnavailable
	}
	return p.hwAddr, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeBackend hands out fakePorts and shares one source per interface name,
// mirroring the virtual transport's source sharing.
type fakeBackend struct {
	t        *testing.T
	loopback bool
	padTo    int

	mu      sync.Mutex
	sources map[string]*fakeSource
	ports   map[PortID]*fakePort
}

func newFakeBackend(t *testing.T) *fakeBackend {
	return &fakeBackend{
		t:       t,
		sources: make(map[string]*fakeSource),
		ports:   make(map[PortID]*fakePort),
	}
}

func (b *fakeBackend) source(iface string) *fakeSource {
	b.mu.Lock()
	defer b.mu.Unlock()
	src, ok := b.sources[iface]
	if !ok {
		src = newFakeSource(b.t)
		b.sources[iface] = src
	}
	return src
}

func (b *fakeBackend) factory(iface string, device, port int, _ *Config) (Port, error) {
	p := &fakePort{
		src:      b.source(iface),
		device:   device,
		port:     port,
		loopback: b.loopback,
		padTo:    b.padTo,
	}
	b.mu.Lock()
	b.ports[PortID{Device: device, Port: port}] = p
	b.mu.Unlock()
	return p, nil
}

// closeSources releases the self-pipes; only safe once the engine that
// polls them is dead.
func (b *fakeBackend) closeSources() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, src := range b.sources {
		src.w.Close()
	}
	b.sources = make(map[string]*fakeSource)
}

func (b *fakeBackend) port(device, port int) *fakePort {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ports[PortID{Device: device, Port: port}]
}

// inject delivers a frame as if it arrived from the wire on the named
// interface.
func (b *fakeBackend) inject(iface string, device, port int, data []byte, ts time.Time) {
	b.source(iface).inject(device, port, data, ts)
}

func newTestEngine(t *testing.T, b *fakeBackend, cfg Config) *DataPlane {
	t.Helper()
	cfg.PortFactory = b.factory
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	dp, err := New(cfg)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	t.Cleanup(b.closeSources)
	t.Cleanup(dp.Kill)
	return dp
}

// waitForRx blocks until the engine has counted want received frames on the
// port, failing the test after two seconds.
func waitForRx(t *testing.T, dp *DataPlane, device, port int, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rx, _ := dp.GetCounters(device, port)
		if rx >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for rx=%d on %d/%d, have %d", want, device, port, rx)
		}
		time.Sleep(time.Millisecond)
	}
}

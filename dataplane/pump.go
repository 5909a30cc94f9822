package dataplane

import (
	"sync"
	"time"
)

// pump adapts a receive handle that cannot expose a poll(2) descriptor (a
// nanomsg socket, a libpcap handle). A backend goroutine pushes raw messages
// through put; each message also signals a self-pipe whose read end serves
// as the wait handle, keeping the capture loop's one-readiness-primitive
// contract. tryGet consumes one message and one pipe byte, so the pipe stays
// readable exactly while messages are pending.
type pump struct {
	notify *waker
	ch     chan pumpItem

	closeOnce sync.Once
	closed    chan struct{}
}

type pumpItem struct {
	data []byte
	ts   time.Time
}

const pumpBuffer = 1024

func newPump() (*pump, error) {
	w, err := newWaker()
	if err != nil {
		return nil, err
	}
	return &pump{
		notify: w,
		ch:     make(chan pumpItem, pumpBuffer),
		closed: make(chan struct{}),
	}, nil
}

func (p *pump) WaitFd() int {
	return p.notify.WaitFd()
}

// put enqueues one message. It blocks while the buffer is full, bounding the
// producer the same way a kernel socket buffer would.
func (p *pump) put(data []byte, ts time.Time) bool {
	select {
	case p.ch <- pumpItem{data: data, ts: ts}:
		p.notify.Notify()
		return true
	case <-p.closed:
		return false
	}
}

// tryGet dequeues one message without blocking.
func (p *pump) tryGet() (pumpItem, bool) {
	select {
	case item := <-p.ch:
		p.notify.drainOne()
		return item, true
	default:
		return pumpItem{}, false
	}
}

func (p *pump) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.notify.Close()
	})
}

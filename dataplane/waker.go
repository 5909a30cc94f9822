package dataplane

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// waker is a self-pipe used to interrupt the capture loop's poll(2) wait.
// The read end joins the wait set; Notify is safe from any goroutine and
// does not require the engine mutex.
type waker struct {
	r int
	w int
}

func newWaker() (*waker, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("dataplane: create waker pipe: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("dataplane: set waker nonblocking: %w", err)
		}
	}
	return &waker{r: fds[0], w: fds[1]}, nil
}

func (w *waker) WaitFd() int {
	return w.r
}

// Notify makes the read end readable. A full pipe already guarantees a
// pending wake, so EAGAIN is ignored.
func (w *waker) Notify() {
	if w.w < 0 {
		return
	}
	_, _ = unix.Write(w.w, []byte{0})
}

// drainOne consumes a single pending notification without blocking.
func (w *waker) drainOne() {
	var buf [1]byte
	_, _ = unix.Read(w.r, buf[:])
}

// Drain consumes pending notifications without blocking.
func (w *waker) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *waker) Close() {
	if w.r >= 0 {
		unix.Close(w.r)
	}
	if w.w >= 0 {
		unix.Close(w.w)
	}
	w.r, w.w = -1, -1
}

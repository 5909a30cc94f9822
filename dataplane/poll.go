package dataplane

import (
	"encoding/hex"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// pollMaxRecentPackets bounds how many recently examined frames a failed
// poll keeps for its diagnostic report.
const pollMaxRecentPackets = 3

// AnyPort selects all ports of a device in Poll and Packets.
const AnyPort = -1

// QueuedPacket is one dequeued frame together with the port it arrived on
// and its receive time.
type QueuedPacket struct {
	Port int
	Data []byte
	Time time.Time
}

// oldestPortLocked returns the port of device whose queue head has the
// smallest timestamp. Ties go to the lowest port number. The second result
// is false when no queue of the device holds a packet.
func (dp *DataPlane) oldestPortLocked(device int) (int, bool) {
	best := 0
	found := false
	var bestTime time.Time
	for id, queue := range dp.queues {
		if id.Device != device || len(queue) == 0 {
			continue
		}
		head := queue[0].ts
		if !found || head.Before(bestTime) || (head.Equal(bestTime) && id.Port < best) {
			best = id.Port
			bestTime = head
			found = true
		}
	}
	return best, found
}

// OldestPortNumber returns the port of device holding the oldest queued
// packet, or false when the device has no queued packets.
func (dp *DataPlane) OldestPortNumber(device int) (int, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.oldestPortLocked(device)
}

// drainLocked dequeues packets in arrival order, calling fn for each until
// fn returns false or no packet is left. With port == AnyPort it always
// picks the queue whose head is oldest across the device. The caller holds
// the engine mutex.
func (dp *DataPlane) drainLocked(device, port int, fn func(QueuedPacket) bool) {
	for {
		rcvPort := port
		if port == AnyPort {
			var ok bool
			rcvPort, ok = dp.oldestPortLocked(device)
			if !ok {
				return
			}
		}
		id := PortID{Device: device, Port: rcvPort}
		queue := dp.queues[id]
		if len(queue) == 0 {
			return
		}
		head := queue[0]
		dp.queues[id] = queue[1:]
		if !fn(QueuedPacket{Port: rcvPort, Data: head.data, Time: head.ts}) {
			return
		}
	}
}

// Packets dequeues and yields packets of the device in the order they were
// received. With port == AnyPort it drains across all of the device's ports
// by arrival time; otherwise it drains the one queue. The engine mutex is
// held for the duration of the iteration.
func (dp *DataPlane) Packets(device, port int) iter.Seq[QueuedPacket] {
	return func(yield func(QueuedPacket) bool) {
		dp.mu.Lock()
		defer dp.mu.Unlock()
		dp.drainLocked(device, port, yield)
	}
}

// PollOptions selects what Poll waits for.
type PollOptions struct {
	// Device to poll. The zero value polls device 0.
	Device int

	// Port to poll, or AnyPort for every port of the device. The zero
	// value polls port 0.
	Port int

	// Timeout bounds the wait. Negative waits indefinitely; zero checks
	// the queues once without blocking.
	Timeout time.Duration

	// Exp, when non-nil, is the expectation ([]byte or Mask) a frame
	// must match. Non-matching frames are consumed and discarded.
	Exp any

	// Filters are predicates every frame must satisfy; failing frames
	// are consumed and discarded.
	Filters []func([]byte) bool
}

// PollResult is either a *PollSuccess or a *PollFailure. Result presents
// both as the classic (device, port, packet, time) quadruple; on failure
// every field is a zero value.
type PollResult interface {
	Result() (device, port int, pkt []byte, ts time.Time)
	Format() string
}

// PollSuccess reports the matching frame found by Poll.
type PollSuccess struct {
	Device   int
	Port     int
	Packet   []byte
	Time     time.Time
	Expected any
}

// Result returns where and when the matching frame was received.
func (r *PollSuccess) Result() (int, int, []byte, time.Time) {
	return r.Device, r.Port, r.Packet, r.Time
}

// Format renders a verbose report of the received frame: an Ethernet
// dissection when the frame decodes, then a hex dump. The expected value is
// not consulted.
func (r *PollSuccess) Format() string {
	var b strings.Builder
	b.WriteString("========== RECEIVED ==========\n")
	writeDissected(&b, r.Packet)
	b.WriteString(hex.Dump(r.Packet))
	b.WriteString("==============================\n")
	return b.String()
}

// PollFailure reports that Poll found no matching frame before its deadline.
// It carries the most recently examined frames and the total examined count
// so assertion messages can include a dissected dump.
type PollFailure struct {
	Expected      any
	RecentPackets [][]byte
	PacketCount   int
}

// Result returns the zero quadruple.
func (r *PollFailure) Result() (int, int, []byte, time.Time) {
	return 0, 0, nil, time.Time{}
}

// Format renders an EXPECTED / RECEIVED report of the failure.
func (r *PollFailure) Format() string {
	var b strings.Builder
	if r.Expected != nil {
		b.WriteString("========== EXPECTED ==========\n")
		switch e := r.Expected.(type) {
		case []byte:
			writeDissected(&b, e)
			b.WriteString(hex.Dump(e))
		default:
			b.WriteString(spew.Sdump(e))
		}
	}
	b.WriteString("========== RECEIVED ==========\n")
	if len(r.RecentPackets) > 0 {
		fmt.Fprintf(&b, "%d total packets. Displaying most recent %d packets:\n",
			r.PacketCount, len(r.RecentPackets))
		for _, pkt := range r.RecentPackets {
			b.WriteString("------------------------------\n")
			writeDissected(&b, pkt)
			b.WriteString(hex.Dump(pkt))
		}
	} else {
		fmt.Fprintf(&b, "%d total packets.\n", r.PacketCount)
	}
	b.WriteString("==============================\n")
	return b.String()
}

// writeDissected appends a layer-by-layer dissection of the frame when it
// decodes as Ethernet; undecodable frames get the hex dump alone.
func writeDissected(b *strings.Builder, data []byte) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Lazy)
	if pkt.ErrorLayer() != nil {
		return
	}
	b.WriteString(pkt.String())
	b.WriteString("--\n")
}

// Poll blocks until a frame of the selected device and port satisfies every
// filter and the expectation, or the timeout elapses. Matching consumes the
// frame; examined frames that do not match are consumed and discarded.
//
// With Port == AnyPort the first frame returned is the one with the lowest
// receive timestamp across all of the device's queues at the moment of
// dequeue. There is no ordering across devices.
func (dp *DataPlane) Poll(opts PollOptions) PollResult {
	if opts.Exp != nil && opts.Port == AnyPort {
		dp.logger.Warn("poll with expected packet but no port number")
	}

	recent := make([][]byte, 0, pollMaxRecentPackets)
	count := 0

	grab := func() *PollSuccess {
		var found *PollSuccess
		dp.drainLocked(opts.Device, opts.Port, func(qp QueuedPacket) bool {
			if len(recent) == pollMaxRecentPackets {
				copy(recent, recent[1:])
				recent = recent[:pollMaxRecentPackets-1]
			}
			recent = append(recent, qp.Data)
			count++
			for _, f := range opts.Filters {
				if !f(qp.Data) {
					return true
				}
			}
			if opts.Exp != nil && !MatchExpPkt(opts.Exp, qp.Data) {
				return true
			}
			found = &PollSuccess{
				Device:   opts.Device,
				Port:     qp.Port,
				Packet:   qp.Data,
				Time:     qp.Time,
				Expected: opts.Exp,
			}
			return false
		})
		return found
	}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()
	for {
		if res := grab(); res != nil {
			return res
		}
		if dp.killed || opts.Timeout == 0 {
			break
		}
		if opts.Timeout < 0 {
			dp.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		condWaitTimeout(dp.cond, remaining)
	}

	dp.logger.Debug("poll timeout", "device", opts.Device, "port", opts.Port)
	return &PollFailure{
		Expected:      opts.Exp,
		RecentPackets: recent,
		PacketCount:   count,
	}
}

// condWaitTimeout waits on cond for at most d. The timer broadcast may wake
// unrelated waiters; every caller re-checks its predicate after waking.
func condWaitTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, cond.Broadcast)
	defer timer.Stop()
	cond.Wait()
}

package dataplane

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pair"
)

// nnPeer plays the device-under-test end of the virtual transport. It
// records every message the engine sends and answers info requests for
// ports it has been configured with; ports without configuration stay
// silent so timeout paths can be exercised.
type nnPeer struct {
	t    *testing.T
	sock mangos.Socket

	mu   sync.Mutex
	msgs []nnPeerMsg
	macs map[int][]byte
	ctrs map[int][2]uint32
}

type nnPeerMsg struct {
	typ     int
	port    int
	more    int
	payload []byte
}

func newNNPeer(t *testing.T, addr string) *nnPeer {
	t.Helper()
	sock, err := pair.NewSocket()
	require.NoError(t, err)
	require.NoError(t, sock.SetOption(mangos.OptionRecvDeadline, 100*time.Millisecond))
	require.NoError(t, sock.SetOption(mangos.OptionSendDeadline, time.Second))
	require.NoError(t, sock.Listen(addr))

	p := &nnPeer{
		t:    t,
		sock: sock,
		macs: make(map[int][]byte),
		ctrs: make(map[int][2]uint32),
	}
	go p.loop()
	t.Cleanup(func() { sock.Close() })
	return p
}

func (p *nnPeer) loop() {
	for {
		msg, err := p.sock.Recv()
		switch err {
		case nil:
		case mangos.ErrRecvTimeout:
			continue
		default:
			return
		}
		if len(msg) < nnHeaderSize {
			continue
		}
		parsed := nnPeerMsg{
			typ:     int(int32(binary.LittleEndian.Uint32(msg[0:4]))),
			port:    int(int32(binary.LittleEndian.Uint32(msg[4:8]))),
			more:    int(int32(binary.LittleEndian.Uint32(msg[8:12]))),
			payload: append([]byte(nil), msg[nnHeaderSize:]...),
		}
		p.mu.Lock()
		p.msgs = append(p.msgs, parsed)
		p.mu.Unlock()

		if parsed.typ == nnMsgInfoReq {
			p.replyInfo(parsed.port, parsed.more)
		}
	}
}

func (p *nnPeer) replyInfo(port, kind int) {
	p.mu.Lock()
	mac, haveMac := p.macs[port]
	ctrs, haveCtrs := p.ctrs[port]
	p.mu.Unlock()

	var body []byte
	switch kind {
	case nnInfoHwAddr:
		if !haveMac {
			return
		}
		body = mac
	case nnInfoCtrs:
		if !haveCtrs {
			return
		}
		body = binary.LittleEndian.AppendUint32(nil, ctrs[0])
		body = binary.LittleEndian.AppendUint32(body, ctrs[1])
	default:
		return
	}

	msg := make([]byte, nnHeaderSize, nnHeaderSize+4+len(body))
	binary.LittleEndian.PutUint32(msg[0:4], nnMsgInfoRep)
	binary.LittleEndian.PutUint32(msg[4:8], uint32(port))
	binary.LittleEndian.PutUint32(msg[8:12], uint32(kind))
	msg = binary.LittleEndian.AppendUint32(msg, nnInfoStatusSuccess)
	msg = append(msg, body...)
	if err := p.sock.Send(msg); err != nil {
		p.t.Logf("peer reply failed: %v", err)
	}
}

func (p *nnPeer) sendPacketOut(port int, data []byte) {
	msg := make([]byte, nnHeaderSize+len(data))
	binary.LittleEndian.PutUint32(msg[0:4], nnMsgPacketOut)
	binary.LittleEndian.PutUint32(msg[4:8], uint32(port))
	binary.LittleEndian.PutUint32(msg[8:12], uint32(len(data)))
	copy(msg[nnHeaderSize:], data)
	require.NoError(p.t, p.sock.Send(msg))
}

// waitMsg blocks until the peer has observed a message of the given type
// for the given port.
func (p *nnPeer) waitMsg(typ, port int) nnPeerMsg {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		for _, msg := range p.msgs {
			if msg.typ == typ && msg.port == port {
				p.mu.Unlock()
				return msg
			}
		}
		p.mu.Unlock()
		if time.Now().After(deadline) {
			p.t.Fatalf("timed out waiting for message type %d port %d", typ, port)
		}
		time.Sleep(time.Millisecond)
	}
}

func newNNEngine(t *testing.T, addr string, ports ...int) *DataPlane {
	t.Helper()
	dp, err := New(Config{
		Platform:      "nn",
		NNRecvTimeout: 200 * time.Millisecond,
		NNSendTimeout: time.Second,
		NNInfoTimeout: 500 * time.Millisecond,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(dp.Kill)
	for _, port := range ports {
		require.NoError(t, dp.PortAdd(addr, 0, port))
	}
	return dp
}

func TestNNGetMAC(t *testing.T) {
	t.Parallel()

	addr := "inproc://dp-nn-mac"
	peer := newNNPeer(t, addr)
	peer.mu.Lock()
	peer.macs[1] = []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peer.mu.Unlock()

	dp := newNNEngine(t, addr, 1, 2)

	addrBytes, err := dp.GetMAC(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}, addrBytes)

	// the peer never answers for port 2
	start := time.Now()
	_, err = dp.GetMAC(0, 2)
	assert.ErrorIs(t, err, ErrInfoUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestNNCounters(t *testing.T) {
	t.Parallel()

	addr := "inproc://dp-nn-counters"
	peer := newNNPeer(t, addr)
	peer.mu.Lock()
	peer.ctrs[1] = [2]uint32{7, 9}
	peer.mu.Unlock()

	dp := newNNEngine(t, addr, 1)

	rx, tx, err := dp.GetNNCounters(0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), rx)
	assert.Equal(t, uint32(9), tx)
}

func TestNNPacketOutDelivery(t *testing.T) {
	t.Parallel()

	addr := "inproc://dp-nn-packet-out"
	peer := newNNPeer(t, addr)
	dp := newNNEngine(t, addr, 1)
	peer.waitMsg(nnMsgPortAdd, 1)

	frame := bytes.Repeat([]byte{0xaa}, 64)
	peer.sendPacketOut(1, frame)

	res := dp.Poll(PollOptions{Device: 0, Port: 1, Timeout: 2 * time.Second, Exp: frame})
	success, ok := res.(*PollSuccess)
	require.True(t, ok, "expected delivery, got:\n%s", res.Format())
	assert.Equal(t, 1, success.Port)
	assert.Equal(t, frame, success.Packet)

	// frames for unregistered ports never surface
	peer.sendPacketOut(9, frame)
	res = dp.Poll(PollOptions{Device: 0, Port: AnyPort, Timeout: 300 * time.Millisecond})
	_, failed := res.(*PollFailure)
	assert.True(t, failed)
}

func TestNNControlMessages(t *testing.T) {
	t.Parallel()

	addr := "inproc://dp-nn-control"
	peer := newNNPeer(t, addr)
	dp := newNNEngine(t, addr, 1)

	peer.waitMsg(nnMsgPortAdd, 1)

	require.NoError(t, dp.PortUp(0, 1))
	up := peer.waitMsg(nnMsgPortSetStatus, 1)
	assert.Equal(t, nnPortStatusUp, up.more)

	require.NoError(t, dp.PortDown(0, 1))
	deadline := time.Now().Add(2 * time.Second)
	for {
		peer.mu.Lock()
		var downSeen bool
		for _, msg := range peer.msgs {
			if msg.typ == nnMsgPortSetStatus && msg.port == 1 && msg.more == nnPortStatusDown {
				downSeen = true
			}
		}
		peer.mu.Unlock()
		if downSeen {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for port down message")
		}
		time.Sleep(time.Millisecond)
	}

	frame := bytes.Repeat([]byte{0x5a}, 70)
	require.Equal(t, 70, dp.Send(0, 1, frame))
	in := peer.waitMsg(nnMsgPacketIn, 1)
	assert.Equal(t, len(frame), in.more)
	assert.Equal(t, frame, in.payload)

	require.True(t, dp.PortRemove(0, 1))
	peer.waitMsg(nnMsgPortRemove, 1)
}

func TestNNSharedSourceAcrossPorts(t *testing.T) {
	t.Parallel()

	addr := "inproc://dp-nn-shared"
	peer := newNNPeer(t, addr)
	dp := newNNEngine(t, addr, 1, 2)
	peer.waitMsg(nnMsgPortAdd, 1)
	peer.waitMsg(nnMsgPortAdd, 2)

	frameOne := bytes.Repeat([]byte{0x01}, 60)
	frameTwo := bytes.Repeat([]byte{0x02}, 60)
	peer.sendPacketOut(1, frameOne)
	peer.sendPacketOut(2, frameTwo)

	res := dp.Poll(PollOptions{Device: 0, Port: AnyPort, Timeout: 2 * time.Second, Exp: frameOne})
	success, ok := res.(*PollSuccess)
	require.True(t, ok, "first frame not delivered:\n%s", res.Format())
	assert.Equal(t, 1, success.Port)

	res = dp.Poll(PollOptions{Device: 0, Port: AnyPort, Timeout: 2 * time.Second, Exp: frameTwo})
	success, ok = res.(*PollSuccess)
	require.True(t, ok, "second frame not delivered:\n%s", res.Format())
	assert.Equal(t, 2, success.Port)
}

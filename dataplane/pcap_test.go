package dataplane

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPcapTapRecordsBothDirections(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(t)
	dp := newTestEngine(t, backend, Config{})
	require.NoError(t, dp.PortAdd("veth1", 0, 1))

	path := filepath.Join(t.TempDir(), "capture.pcap")
	require.NoError(t, dp.StartPcap(path))

	received := bytes.Repeat([]byte{0x11}, 64)
	backend.inject("veth1", 0, 1, received, time.Now())
	waitForRx(t, dp, 0, 1, 1)

	sent := bytes.Repeat([]byte{0x22}, 64)
	require.Equal(t, 64, dp.Send(0, 1, sent))

	require.NoError(t, dp.StopPcap())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)

	first, _, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, received, first)

	second, _, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, sent, second)

	_, _, err = r.ReadPacketData()
	assert.True(t, errors.Is(err, io.EOF), "expected exactly two packets, got extra: %v", err)
}

func TestStartPcapWhileActive(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(t)
	dp := newTestEngine(t, backend, Config{})

	dir := t.TempDir()
	require.NoError(t, dp.StartPcap(filepath.Join(dir, "one.pcap")))
	assert.ErrorIs(t, dp.StartPcap(filepath.Join(dir, "two.pcap")), ErrPcapActive)
	require.NoError(t, dp.StopPcap())

	// stopping twice is harmless
	require.NoError(t, dp.StopPcap())
}

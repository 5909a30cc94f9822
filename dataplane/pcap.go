package dataplane

import (
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapWriter appends frames to a classic pcap file. Its records carry no
// interface field, so the device and port of a frame are not stored.
type pcapWriter struct {
	f *os.File
	w *pcapgo.Writer
}

func newPcapWriter(path string) (*pcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("dataplane: create pcap file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("dataplane: write pcap header: %w", err)
	}
	return &pcapWriter{f: f, w: w}, nil
}

func (p *pcapWriter) Write(pkt []byte, ts time.Time, device, port int) error {
	ci := gopacket.CaptureInfo{
		Timestamp:      ts,
		CaptureLength:  len(pkt),
		Length:         len(pkt),
		InterfaceIndex: port,
	}
	return p.w.WritePacket(ci, pkt)
}

func (p *pcapWriter) Close() error {
	if err := p.f.Sync(); err != nil {
		p.f.Close()
		return err
	}
	return p.f.Close()
}

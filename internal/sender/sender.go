// Package sender injects finished probe frames. Every frame handed to a
// PacketWriter starts with an Ethernet header; writers for interfaces without
// a link layer strip it.
package sender

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"probescan/internal/packet"
)

// PacketWriter abstracts AF_PACKET (linux), pcap (darwin), raw sockets and
// pcap files.
type PacketWriter interface {
	WritePacketData(data []byte) error
	Close()
}

// Open returns a writer for iface. tunnel selects the raw IPv4 socket path
// used for interfaces that have no Ethernet framing.
func Open(iface string, tunnel bool) (PacketWriter, error) {
	if tunnel {
		return newTunnelWriter(iface)
	}
	return newPacketWriter(iface)
}

// FileWriter records frames to a pcap file instead of sending them. It is
// safe for concurrent use so every send worker can share one.
type FileWriter struct {
	mu  sync.Mutex
	f   *os.File
	w   *pcapgo.Writer
	now func() time.Time
}

// NewFileWriter creates path and writes the pcap file header.
func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(packet.MaxFrameLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &FileWriter{f: f, w: w, now: time.Now}, nil
}

func (fw *FileWriter) WritePacketData(data []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     fw.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	return fw.w.WritePacket(ci, data)
}

// Close is idempotent.
func (fw *FileWriter) Close() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.f != nil {
		fw.f.Close()
		fw.f = nil
	}
}

type noClose struct{ PacketWriter }

func (noClose) Close() {}

// NoClose lets several workers share w; its owner closes it.
func NoClose(w PacketWriter) PacketWriter { return noClose{w} }

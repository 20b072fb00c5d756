package receiver

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// fileHandle replays a pcap or pcapng file.
type fileHandle struct {
	f      *os.File
	r      packetReader
	filter *pcap.BPF
}

// NewReplayListener opens a capture file. ReadPacket returns io.EOF at the end.
func NewReplayListener(path string) (*Listener, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var r packetReader
	if bytes.Equal(magic, ngMagic) {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Listener{
		Handle:   &fileHandle{f: f, r: r},
		LinkType: r.LinkType(),
		Offline:  true,
	}, nil
}

func (h *fileHandle) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	for {
		data, ci, err := h.r.ReadPacketData()
		if err != nil {
			return nil, ci, err
		}
		if h.filter == nil || h.filter.Matches(ci, data) {
			return data, ci, nil
		}
	}
}

func (h *fileHandle) Close() { h.f.Close() }

func (h *fileHandle) setFilter(lt layers.LinkType, filter string, snaplen int) error {
	bpf, err := pcap.NewBPF(lt, snaplen, filter)
	if err != nil {
		return fmt.Errorf("compile %q: %w", filter, err)
	}
	h.filter = bpf
	return nil
}

// Dumper appends accepted frames to a pcap file. Safe for concurrent use.
type Dumper struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

// NewDumper creates path with a header for frames of the given link type.
func NewDumper(path string, snaplen int, lt layers.LinkType) (*Dumper, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(snaplen), lt); err != nil {
		f.Close()
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &Dumper{f: f, w: w}, nil
}

// WritePacket copies data out before returning, so zero-copy buffers are fine.
func (d *Dumper) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ci.CaptureLength = len(data)
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	return d.w.WritePacket(ci, data)
}

func (d *Dumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

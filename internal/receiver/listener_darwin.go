//go:build darwin

package receiver

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// pcapHandle wraps *pcap.Handle to implement CaptureHandle.
type pcapHandle struct {
	h *pcap.Handle
}

func (p *pcapHandle) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	return p.h.ReadPacketData()
}

func (p *pcapHandle) Close() {
	p.h.Close()
}

func isRingTimeout(error) bool { return false }

// NewListener creates a pcap capture handle (macOS/BPF). Reads time out so
// the capture loop can notice shutdown.
func NewListener(iface string, snaplen int) (*Listener, error) {
	handle, err := pcap.OpenLive(iface, int32(snaplen), true, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("pcap init failed: %w", err)
	}
	return &Listener{Handle: &pcapHandle{h: handle}, LinkType: handle.LinkType()}, nil
}

// NewTunnelListener on darwin is the same as NewListener.
func NewTunnelListener(iface string, snaplen int) (*Listener, error) {
	return NewListener(iface, snaplen)
}

func (l *Listener) SetBPF(filter string, snaplen int) error {
	switch h := l.Handle.(type) {
	case *pcapHandle:
		return h.h.SetBPFFilter(filter)
	case *fileHandle:
		return h.setFilter(l.LinkType, filter, snaplen)
	}
	return fmt.Errorf("unsupported handle type for BPF")
}

// SocketStats returns pcap capture statistics.
func (l *Listener) SocketStats() (received, dropped uint64) {
	h, ok := l.Handle.(*pcapHandle)
	if !ok {
		return 0, 0
	}
	stats, err := h.h.Stats()
	if err != nil {
		return 0, 0
	}
	return uint64(stats.PacketsReceived), uint64(stats.PacketsDropped)
}

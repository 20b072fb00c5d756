//go:build linux

package receiver

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// afpacketHandle wraps *afpacket.TPacket to implement CaptureHandle.
type afpacketHandle struct {
	tp *afpacket.TPacket
}

// ReadPacket returns a buffer that is only valid until the next call.
func (h *afpacketHandle) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	return h.tp.ZeroCopyReadPacketData()
}

func (h *afpacketHandle) Close() {
	h.tp.Close()
}

func isRingTimeout(err error) bool { return errors.Is(err, afpacket.ErrTimeout) }

// pcapHandle wraps *pcap.Handle for tunnel interfaces where AF_PACKET doesn't work.
type pcapHandle struct {
	h *pcap.Handle
}

func (h *pcapHandle) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	return h.h.ZeroCopyReadPacketData()
}

func (h *pcapHandle) Close() {
	h.h.Close()
}

// NewListener opens a TPacket V2 ring on iface. Frames are truncated to snaplen.
func NewListener(iface string, snaplen int) (*Listener, error) {
	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(frameSize(snaplen)),
		afpacket.OptBlockSize(1024*1024),
		afpacket.OptNumBlocks(64),
		afpacket.OptPollTimeout(1*time.Millisecond),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion2),
	)
	if err != nil {
		return nil, fmt.Errorf("afpacket init failed: %w", err)
	}
	return &Listener{Handle: &afpacketHandle{tp: handle}, LinkType: layers.LinkTypeEthernet}, nil
}

// frameSize rounds snaplen plus the tpacket header up to a power of two.
func frameSize(snaplen int) int {
	size := 2048
	for size < snaplen+128 {
		size <<= 1
	}
	return size
}

// NewTunnelListener creates a pcap-based listener for tunnel interfaces (GRE,
// SIT, WireGuard). pcap reports cooked (LINUX_SLL) or raw framing.
func NewTunnelListener(iface string, snaplen int) (*Listener, error) {
	handle, err := pcap.OpenLive(iface, int32(snaplen), true, 1*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("pcap open failed on %s: %w", iface, err)
	}
	return &Listener{Handle: &pcapHandle{h: handle}, LinkType: handle.LinkType()}, nil
}

// SetBPF installs filter. AF_PACKET takes the program compiled by libpcap.
func (l *Listener) SetBPF(filter string, snaplen int) error {
	switch h := l.Handle.(type) {
	case *afpacketHandle:
		insts, err := pcap.CompileBPFFilter(l.LinkType, snaplen, filter)
		if err != nil {
			return fmt.Errorf("compile %q: %w", filter, err)
		}
		raw := make([]bpf.RawInstruction, len(insts))
		for i, ins := range insts {
			raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
		}
		return h.tp.SetBPF(raw)

	case *pcapHandle:
		return h.h.SetBPFFilter(filter)

	case *fileHandle:
		return h.setFilter(l.LinkType, filter, snaplen)

	default:
		return fmt.Errorf("unsupported handle type for BPF")
	}
}

// SocketStats returns capture statistics (packets received, dropped).
func (l *Listener) SocketStats() (received, dropped uint64) {
	switch h := l.Handle.(type) {
	case *afpacketHandle:
		_, stats, err := h.tp.SocketStats()
		if err != nil {
			return 0, 0
		}
		return uint64(stats.Packets()), uint64(stats.Drops())
	case *pcapHandle:
		stats, err := h.h.Stats()
		if err != nil {
			return 0, 0
		}
		return uint64(stats.PacketsReceived), uint64(stats.PacketsDropped)
	default:
		return 0, 0
	}
}

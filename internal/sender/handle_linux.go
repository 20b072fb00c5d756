//go:build linux

package sender

import (
	"fmt"
	"time"

	"github.com/google/gopacket/afpacket"
	"golang.org/x/sys/unix"

	"probescan/internal/packet"
)

func newPacketWriter(iface string) (PacketWriter, error) {
	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(2048),
		afpacket.OptBlockSize(1024*1024),
		afpacket.OptNumBlocks(16),
		afpacket.OptPollTimeout(1*time.Millisecond),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion3),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AF_PACKET handle: %w", err)
	}
	return handle, nil
}

// tunnelWriter sends the IPv4 part of each frame through an AF_INET raw
// socket with IP_HDRINCL. AF_PACKET injection on GRE/IPIP/WireGuard devices
// bypasses the tunnel encapsulation, the raw socket does not.
type tunnelWriter struct {
	fd int
}

func newTunnelWriter(iface string) (PacketWriter, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("AF_INET SOCK_RAW: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IP_HDRINCL: %w", err)
	}
	if err := unix.BindToDevice(fd, iface); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_BINDTODEVICE %s: %w", iface, err)
	}
	return &tunnelWriter{fd: fd}, nil
}

func (tw *tunnelWriter) WritePacketData(frame []byte) error {
	ip, ok := packet.IPv4FromFrame(frame)
	if !ok {
		return fmt.Errorf("not an IPv4 frame (%d bytes)", len(frame))
	}
	sa := &unix.SockaddrInet4{Addr: [4]byte{ip[16], ip[17], ip[18], ip[19]}}
	return unix.Sendto(tw.fd, ip, 0, sa)
}

func (tw *tunnelWriter) Close() {
	unix.Close(tw.fd)
}

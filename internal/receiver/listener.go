// Package receiver captures reply frames for the validation path.
package receiver

import (
	"encoding/binary"
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"probescan/internal/packet"
)

// sllLen is the Linux cooked capture header length.
const sllLen = 16

// CaptureHandle abstracts AF_PACKET (linux), pcap (darwin) and pcap files.
type CaptureHandle interface {
	ReadPacket() ([]byte, gopacket.CaptureInfo, error)
	Close()
}

// Listener handles raw packet capture.
type Listener struct {
	Handle   CaptureHandle
	LinkType layers.LinkType
	// Offline listeners return io.EOF once the file is exhausted.
	Offline bool
}

func (l *Listener) Close() { l.Handle.Close() }

// IsTimeout reports whether a ReadPacket error only means the poll timeout
// expired with nothing captured. Any other error leaves the handle unusable.
func IsTimeout(err error) bool {
	return errors.Is(err, pcap.NextErrorTimeoutExpired) || isRingTimeout(err)
}

// IPv4 strips the link header according to l.LinkType. It returns false for
// anything that is not a well-formed IPv4 packet.
func (l *Listener) IPv4(data []byte) (packet.IPv4, bool) {
	return StripLink(l.LinkType, data)
}

// StripLink returns the IPv4 packet carried by a frame of the given link type.
func StripLink(lt layers.LinkType, data []byte) (packet.IPv4, bool) {
	switch lt {
	case layers.LinkTypeEthernet:
		return packet.IPv4FromFrame(data)
	case layers.LinkTypeLinuxSLL:
		if len(data) < sllLen+packet.IPv4Len || binary.BigEndian.Uint16(data[14:16]) != 0x0800 {
			return nil, false
		}
		data = data[sllLen:]
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
	default:
		return nil, false
	}
	ip := packet.IPv4(data)
	return ip, ip.Valid()
}

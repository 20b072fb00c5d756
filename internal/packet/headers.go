package packet

import "encoding/binary"

// IPv4 is a read-only view over a received IPv4 header and everything after it.
// Accessors assume Valid() returned true.
type IPv4 []byte

// Valid reports whether the view holds a complete IPv4 header.
func (ip IPv4) Valid() bool {
	if len(ip) < IPv4Len || ip[0]>>4 != 4 {
		return false
	}
	return ip.HeaderLen() >= IPv4Len && ip.HeaderLen() <= len(ip)
}

// HeaderLen returns IHL*4.
func (ip IPv4) HeaderLen() int { return int(ip[0]&0x0f) * 4 }

func (ip IPv4) TotalLen() int  { return int(binary.BigEndian.Uint16(ip[2:4])) }
func (ip IPv4) ID() uint16     { return binary.BigEndian.Uint16(ip[4:6]) }
func (ip IPv4) TTL() uint8     { return ip[8] }
func (ip IPv4) Protocol() byte { return ip[9] }
func (ip IPv4) Src() uint32    { return binary.BigEndian.Uint32(ip[12:16]) }
func (ip IPv4) Dst() uint32    { return binary.BigEndian.Uint32(ip[16:20]) }

// Payload returns the bytes after the IP header, clipped to the captured length.
func (ip IPv4) Payload() []byte { return ip[ip.HeaderLen():] }

// UDP is a read-only view over a UDP header and its payload.
type UDP []byte

// UDPHeader returns the UDP header following ip, or false when truncated.
func UDPHeader(ip IPv4) (UDP, bool) {
	if !ip.Valid() || ip.Protocol() != ProtoUDP {
		return nil, false
	}
	p := ip.Payload()
	if len(p) < UDPLen {
		return nil, false
	}
	return UDP(p), true
}

func (u UDP) SrcPort() uint16 { return binary.BigEndian.Uint16(u[0:2]) }
func (u UDP) DstPort() uint16 { return binary.BigEndian.Uint16(u[2:4]) }

// Length is the UDP length field (header + payload) as sent, not as captured.
func (u UDP) Length() int { return int(binary.BigEndian.Uint16(u[4:6])) }

// Payload returns the captured bytes after the UDP header.
func (u UDP) Payload() []byte { return u[UDPLen:] }

// ICMP is a read-only view over an ICMPv4 message.
type ICMP []byte

// ICMPHeader returns the ICMP message following ip, or false when truncated.
func ICMPHeader(ip IPv4) (ICMP, bool) {
	if !ip.Valid() || ip.Protocol() != ProtoICMP {
		return nil, false
	}
	p := ip.Payload()
	if len(p) < ICMPLen {
		return nil, false
	}
	return ICMP(p), true
}

func (m ICMP) Type() uint8 { return m[0] }
func (m ICMP) Code() uint8 { return m[1] }

// ICMP message types that quote the offending datagram.
const (
	ICMPDestUnreachable = 3
	ICMPSourceQuench    = 4
	ICMPRedirect        = 5
	ICMPTimeExceeded    = 11
)

// QuotesDatagram reports whether the ICMP type carries an embedded original packet.
func (m ICMP) QuotesDatagram() bool {
	switch m.Type() {
	case ICMPDestUnreachable, ICMPSourceQuench, ICMPRedirect, ICMPTimeExceeded:
		return true
	}
	return false
}

// Inner returns the quoted IPv4 header when at least minTransport bytes of the
// original transport header follow it.
func (m ICMP) Inner(minTransport int) (IPv4, bool) {
	if !m.QuotesDatagram() {
		return nil, false
	}
	inner := IPv4(m[ICMPLen:])
	if !inner.Valid() {
		return nil, false
	}
	if len(inner.Payload()) < minTransport {
		return nil, false
	}
	return inner, true
}

// IPv4FromFrame strips the Ethernet header, returning false for non-IPv4 frames.
func IPv4FromFrame(frame []byte) (IPv4, bool) {
	if len(frame) < EthLen+IPv4Len {
		return nil, false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != 0x0800 {
		return nil, false
	}
	ip := IPv4(frame[EthLen:])
	return ip, ip.Valid()
}

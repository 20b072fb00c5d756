package packet

import (
	"encoding/binary"
	"net"
)

// Frame layout byte offsets for Ethernet + IPv4 (no options) + UDP.
const (
	EthLen  = 14
	IPOff   = EthLen // 14
	IPv4Len = 20
	UDPOff  = IPOff + IPv4Len // 34
	UDPLen  = 8
	ICMPLen = 8

	// IPv4 field offsets (absolute from frame start)
	OffIPTotalLen = IPOff + 2  // 16
	OffIPID       = IPOff + 4  // 18
	OffIPTTL      = IPOff + 8  // 22
	OffIPProto    = IPOff + 9  // 23
	OffIPChecksum = IPOff + 10 // 24
	OffIPSrc      = IPOff + 12 // 26
	OffIPDst      = IPOff + 16 // 30

	// UDP field offsets (absolute from frame start)
	OffUDPSrcPort  = UDPOff + 0 // 34
	OffUDPDstPort  = UDPOff + 2 // 36
	OffUDPLength   = UDPOff + 4 // 38
	OffUDPChecksum = UDPOff + 6 // 40

	// UDPPayloadOff is where application bytes start in a templated frame.
	UDPPayloadOff = UDPOff + UDPLen // 42
)

// IP protocol numbers the probe modules deal with.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// DefaultTTL is written by MakeIPv4Header; the mutator overwrites it per probe.
const DefaultTTL = 255

// MaxFrameLen bounds every template buffer (standard Ethernet MTU frame).
const MaxFrameLen = 1514

// MakeEthHeader writes an IPv4 Ethernet II header into frame[0:14].
func MakeEthHeader(frame []byte, srcMAC, gwMAC net.HardwareAddr) {
	copy(frame[0:6], gwMAC)
	copy(frame[6:12], srcMAC)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800) // EtherType IPv4
}

// MakeIPv4Header writes a 20-byte IPv4 header at frame[IPOff:].
// Addresses, ID and checksum are left zero for the mutator.
func MakeIPv4Header(frame []byte, proto byte, totalLen uint16) {
	frame[IPOff+0] = 0x45 // Version=4, IHL=5
	frame[IPOff+1] = 0x00
	binary.BigEndian.PutUint16(frame[OffIPTotalLen:], totalLen)
	frame[IPOff+6] = 0x00
	frame[IPOff+7] = 0x00
	frame[OffIPTTL] = DefaultTTL
	frame[OffIPProto] = proto
}

// MakeUDPHeader writes the UDP length at frame[UDPOff:]; ports and checksum are per-probe.
func MakeUDPHeader(frame []byte, length uint16) {
	binary.BigEndian.PutUint16(frame[OffUDPLength:], length)
}

// PutIPv4Addrs patches source and destination addresses (host-order uint32).
func PutIPv4Addrs(frame []byte, src, dst uint32) {
	binary.BigEndian.PutUint32(frame[OffIPSrc:], src)
	binary.BigEndian.PutUint32(frame[OffIPDst:], dst)
}

// FinishIPv4 zeroes and recomputes the IPv4 header checksum.
// Must run after every other IP header field is final.
func FinishIPv4(frame []byte) {
	binary.BigEndian.PutUint16(frame[OffIPChecksum:], 0)
	binary.BigEndian.PutUint16(frame[OffIPChecksum:], IPChecksum(frame[IPOff:IPOff+IPv4Len]))
}

// FinishUDP recomputes the UDP checksum over the datagram ending at frame[end].
func FinishUDP(frame []byte, end int) {
	binary.BigEndian.PutUint16(frame[OffUDPChecksum:], 0)
	sum := TransportChecksum(ProtoUDP, frame[OffIPSrc:OffIPSrc+4], frame[OffIPDst:OffIPDst+4], frame[UDPOff:end])
	if sum == 0 {
		sum = 0xffff // RFC 768: zero means "no checksum"
	}
	binary.BigEndian.PutUint16(frame[OffUDPChecksum:], sum)
}

// IPChecksum computes the IPv4 header checksum per RFC 1071.
func IPChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i < len(hdr)-1; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i:]))
	}
	if len(hdr)%2 == 1 {
		sum += uint32(hdr[len(hdr)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// TransportChecksum computes the checksum over a pseudo-header + transport segment.
// proto is the IP protocol number (6=TCP, 17=UDP).
func TransportChecksum(proto uint16, srcIP, dstIP, segment []byte) uint16 {
	segLen := len(segment)
	var sum uint32

	// Pseudo-header
	sum += uint32(binary.BigEndian.Uint16(srcIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(srcIP[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[2:4]))
	sum += uint32(proto)
	sum += uint32(segLen)

	for i := 0; i < segLen-1; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(segment[i:]))
	}
	if segLen%2 == 1 {
		sum += uint32(segment[segLen-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// IPToUint32 converts a net.IP to a host-order uint32 (0 for non-IPv4).
func IPToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// Uint32ToIP converts a host-order uint32 to net.IP.
func Uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}

package probe

import (
	"probescan/internal/packet"
)

// ValidateUDP is the transport-level check shared by UDP-based modules.
//
// A UDP reply must come from a scanned port and, per policy, be addressed to a
// source port the cookie could have chosen. An ICMP error must quote a UDP
// probe this run sent: the quoted destination port is a scanned port and the
// quoted source port passes the same policy. Anything else is Invalid.
func ValidateUDP(ip packet.IPv4, g *Global) (Verdict, Match) {
	if !ip.Valid() {
		return Invalid, Match{}
	}

	switch ip.Protocol() {
	case packet.ProtoUDP:
		udp, ok := packet.UDPHeader(ip)
		if !ok {
			return Invalid, Match{}
		}
		if !g.IsTargetPort(udp.SrcPort()) {
			return Invalid, Match{}
		}
		// Reply addresses are the probe's, reversed.
		v := g.Cookies.Derive(ip.Dst(), ip.Src(), udp.SrcPort())
		if !g.CheckSourcePort(udp.DstPort(), v) {
			return Invalid, Match{}
		}
		return Valid, Match{SrcIP: ip.Src(), Vector: v}

	case packet.ProtoICMP:
		icmp, ok := packet.ICMPHeader(ip)
		if !ok {
			return Invalid, Match{}
		}
		inner, ok := icmp.Inner(packet.UDPLen)
		if !ok || inner.Protocol() != packet.ProtoUDP {
			return Invalid, Match{}
		}
		udp := packet.UDP(inner.Payload())
		if !g.IsTargetPort(udp.DstPort()) {
			return Invalid, Match{}
		}
		v := g.Cookies.Derive(inner.Src(), inner.Dst(), udp.DstPort())
		if !g.CheckSourcePort(udp.SrcPort(), v) {
			return Invalid, Match{}
		}
		return Valid, Match{SrcIP: inner.Dst(), Vector: v}
	}
	return Invalid, Match{}
}

// QuotedUDPPayload returns whatever part of the probe's UDP payload an ICMP
// error quoted. Routers are only required to quote 8 bytes past the IP
// header, so the result is often empty.
func QuotedUDPPayload(ip packet.IPv4) []byte {
	icmp, ok := packet.ICMPHeader(ip)
	if !ok {
		return nil
	}
	inner, ok := icmp.Inner(packet.UDPLen)
	if !ok || inner.Protocol() != packet.ProtoUDP {
		return nil
	}
	return packet.UDP(inner.Payload()).Payload()
}

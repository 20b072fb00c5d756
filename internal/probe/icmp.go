package probe

import (
	"github.com/google/gopacket/layers"

	"probescan/internal/fieldset"
	"probescan/internal/packet"
)

var unreachStrings = [...]string{
	"network unreachable",
	"host unreachable",
	"protocol unreachable",
	"port unreachable",
	"must fragment",
	"source route failed",
	"network unknown",
	"host unknown",
	"source host isolated",
	"network admin. prohibited",
	"host admin. prohibited",
	"network unreachable TOS",
	"host unreachable TOS",
	"communication admin. prohibited",
	"host precedence violation",
	"precedence cutoff",
}

// ICMPString describes an ICMP type/code pair. Destination-unreachable codes
// get the short names operators grep for; everything else uses gopacket's name.
func ICMPString(typ, code uint8) string {
	if typ == packet.ICMPDestUnreachable && int(code) < len(unreachStrings) {
		return unreachStrings[code]
	}
	return layers.CreateICMPv4TypeCode(typ, code).String()
}

// AddNullICMP appends the ICMP fields as nulls.
func AddNullICMP(fs *fieldset.FieldSet) {
	for _, d := range fieldset.ICMPDefs {
		fs.AddNull(d.Name)
	}
}

// PopulateICMP appends the ICMP fields for the ICMP message carried by ip.
// Callers only reach this after ValidateUDP accepted an ICMP packet.
func PopulateICMP(fs *fieldset.FieldSet, ip packet.IPv4) {
	icmp, ok := packet.ICMPHeader(ip)
	if !ok {
		panic("probe: PopulateICMP called on a packet without an ICMP header")
	}
	fs.AddString("icmp_responder", packet.Uint32ToIP(ip.Src()).String())
	fs.AddUint64("icmp_type", uint64(icmp.Type()))
	fs.AddUint64("icmp_code", uint64(icmp.Code()))
	fs.AddString("icmp_unreach_str", ICMPString(icmp.Type(), icmp.Code()))
}

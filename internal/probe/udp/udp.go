// Package udp is the generic UDP probe module: a fixed or per-port payload,
// validated only at the transport layer.
package udp

import (
	"encoding/binary"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"probescan/internal/fieldset"
	"probescan/internal/packet"
	"probescan/internal/probe"
	"probescan/internal/validate"
)

const headerLen = packet.UDPPayloadOff

// MaxPayloadLen fits a probe in one Ethernet frame.
const MaxPayloadLen = packet.MaxFrameLen - headerLen

var fields = fieldset.Concat(
	[]fieldset.Def{
		{Name: "sport", Type: "int", Desc: "UDP source port"},
		{Name: "dport", Type: "int", Desc: "UDP destination port"},
	},
	fieldset.ClassificationSuccessDefs,
	[]fieldset.Def{
		{Name: "udp_pkt_size", Type: "int", Desc: "UDP packet length"},
		{Name: "data", Type: "binary", Desc: "UDP payload"},
	},
	fieldset.ICMPDefs,
)

var descriptor = probe.Descriptor{
	Name:         "udp",
	MaxPacketLen: packet.MaxFrameLen,
	PcapFilter:   "udp || icmp",
	PcapSnaplen:  1500,
	PortArgs:     1,
	HelpText: "Probe module that sends UDP datagrams. Probe args select the payload: " +
		"text:<string>, hex:<hex>, file:<path>, or yaml:<path> for per-port payloads.",
	Fields: fields,
}

// Module implements probe.Module for plain UDP.
type Module struct{}

// New returns the UDP module.
func New() *Module { return &Module{} }

func (m *Module) Descriptor() *probe.Descriptor { return &descriptor }

func (m *Module) GlobalInitialize(s probe.Settings) (*probe.Global, error) {
	payloads, err := ParsePayloadArg(s.ProbeArgs)
	if err != nil {
		return nil, err
	}
	if n := payloads.MaxLen(); n > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d byte payload, limit %d", probe.ErrPacketTooLarge, n, MaxPayloadLen)
	}
	g, err := probe.NewGlobal(s, true)
	if err != nil {
		return nil, err
	}
	g.Module = payloads
	log.WithFields(log.Fields{
		"module":  descriptor.Name,
		"default": len(payloads.Default),
		"ports":   len(payloads.ByPort),
	}).Debug("loaded udp payloads")
	return g, nil
}

func (m *Module) ThreadInitialize(_ *probe.Global) (*probe.ThreadContext, error) {
	return probe.NewThreadContext()
}

func payloadsOf(g *probe.Global) *Payloads {
	if p, ok := g.Module.(*Payloads); ok {
		return p
	}
	return &Payloads{}
}

// PrepareTemplate writes the headers and the default payload.
func (m *Module) PrepareTemplate(buf []byte, srcMAC, gwMAC net.HardwareAddr, g *probe.Global, _ *probe.ThreadContext) error {
	body := payloadsOf(g).Default
	n := headerLen + len(body)
	if n > descriptor.MaxPacketLen {
		return probe.ErrPacketTooLarge
	}
	if len(buf) < n {
		return fmt.Errorf("%w: have %d, need %d", probe.ErrBufferTooSmall, len(buf), n)
	}
	clear(buf)
	packet.MakeEthHeader(buf, srcMAC, gwMAC)
	packet.MakeIPv4Header(buf, packet.ProtoUDP, uint16(packet.IPv4Len+packet.UDPLen+len(body)))
	packet.MakeUDPHeader(buf, uint16(packet.UDPLen+len(body)))
	copy(buf[headerLen:], body)
	return nil
}

// MakePacket patches the per-probe fields. When the destination port has its
// own payload the body and both length fields are rewritten too.
func (m *Module) MakePacket(buf []byte, t probe.Target, v validate.Vector, g *probe.Global, _ *probe.ThreadContext) (int, error) {
	p := payloadsOf(g)
	n := headerLen + len(p.Default)
	if len(p.ByPort) > 0 {
		body := p.For(t.DstPort)
		n = headerLen + len(body)
		if len(buf) < n {
			return 0, fmt.Errorf("%w: have %d, need %d", probe.ErrBufferTooSmall, len(buf), n)
		}
		copy(buf[headerLen:], body)
		binary.BigEndian.PutUint16(buf[packet.OffIPTotalLen:], uint16(packet.IPv4Len+packet.UDPLen+len(body)))
		binary.BigEndian.PutUint16(buf[packet.OffUDPLength:], uint16(packet.UDPLen+len(body)))
	} else if len(buf) < n {
		return 0, fmt.Errorf("%w: have %d, need %d", probe.ErrBufferTooSmall, len(buf), n)
	}

	packet.PutIPv4Addrs(buf, t.SrcIP, t.DstIP)
	buf[packet.OffIPTTL] = t.TTL
	binary.BigEndian.PutUint16(buf[packet.OffIPID:], t.IPID)
	binary.BigEndian.PutUint16(buf[packet.OffUDPSrcPort:], validate.SourcePort(g.SourcePorts, t.Attempt, v))
	binary.BigEndian.PutUint16(buf[packet.OffUDPDstPort:], t.DstPort)

	packet.FinishUDP(buf, n)
	packet.FinishIPv4(buf)
	return n, nil
}

// Validate applies the shared UDP/ICMP rules; any payload is accepted.
func (m *Module) Validate(ip packet.IPv4, g *probe.Global) (probe.Verdict, probe.Match) {
	return probe.ValidateUDP(ip, g)
}

func (m *Module) Extract(fs *fieldset.FieldSet, ip packet.IPv4, _ *probe.Global) {
	switch ip.Protocol() {
	case packet.ProtoUDP:
		udp, ok := packet.UDPHeader(ip)
		if !ok {
			panic("udp: Extract called on a UDP packet without a UDP header")
		}
		fs.AddUint64("sport", uint64(udp.SrcPort()))
		fs.AddUint64("dport", uint64(udp.DstPort()))
		fs.AddString("classification", descriptor.Name)
		fs.AddBool("success", true)
		fs.AddUint64("udp_pkt_size", uint64(udp.Length()))
		fs.AddBinary("data", udp.Payload())
		probe.AddNullICMP(fs)
	case packet.ProtoICMP:
		fs.AddNull("sport")
		fs.AddNull("dport")
		fs.AddString("classification", "icmp")
		fs.AddBool("success", false)
		fs.AddNull("udp_pkt_size")
		fs.AddNull("data")
		probe.PopulateICMP(fs, ip)
	default:
		panic(fmt.Sprintf("udp: Extract called on IP protocol %d", ip.Protocol()))
	}
}

func (m *Module) Close(_ *probe.Global, _ *probe.ThreadContext) error { return nil }

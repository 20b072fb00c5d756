// Package bacnet is the BACnet/IP probe module. It sends a confirmed
// ReadProperty request for the wildcard device's object identifier, which any
// BACnet device answers, and carries part of the validation cookie in the APDU
// invoke ID.
package bacnet

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket"
	log "github.com/sirupsen/logrus"

	"probescan/internal/fieldset"
	"probescan/internal/packet"
	"probescan/internal/probe"
	"probescan/internal/validate"
)

// DefaultPort is the registered BACnet/IP UDP port (0xBAC0).
const DefaultPort = 47808

// BVLC (virtual link control) values.
const (
	TypeIP = 0x81

	FunctionForwardedNPDU       = 0x04
	FunctionDistributeBroadcast = 0x09
	FunctionUnicastNPDU         = 0x0a
	FunctionBroadcastNPDU       = 0x0b
)

// NPDUVersion is the only protocol version defined by ASHRAE 135-1995.
const NPDUVersion = 0x01

// Header sizes.
const (
	VLCLen  = 4
	NPDULen = 2
	APDULen = 4
	BodyLen = 7

	// MessageLen is the BVLC length field: the whole BACnet/IP message.
	MessageLen = VLCLen + NPDULen + APDULen + BodyLen // 0x11
)

// Offsets inside the frame built by PrepareTemplate.
const (
	offVLC      = packet.UDPPayloadOff
	offNPDU     = offVLC + VLCLen
	offAPDU     = offNPDU + NPDULen
	offInvokeID = offAPDU + 2
	offBody     = offAPDU + APDULen

	// PacketLen is the full Ethernet frame length of a probe.
	PacketLen = offBody + BodyLen
)

const (
	npduControlExpectingReply = 0x04
	apduMaxSegments           = 0x05 // unsegmented, 1476-octet APDUs
	serviceReadProperty       = 0x0c
)

// body is ReadProperty(object=device,4194303, property=object-identifier).
var body = [BodyLen]byte{0x0c, 0x02, 0x3f, 0xff, 0xff, 0x19, 0x4b}

var fields = fieldset.Concat(
	[]fieldset.Def{
		{Name: "sport", Type: "int", Desc: "UDP source port"},
		{Name: "dport", Type: "int", Desc: "UDP destination port"},
	},
	fieldset.ClassificationSuccessDefs,
	[]fieldset.Def{
		{Name: "udp_payload", Type: "binary", Desc: "UDP payload"},
	},
	fieldset.ICMPDefs,
)

var descriptor = probe.Descriptor{
	Name:         "bacnet",
	MaxPacketLen: PacketLen,
	PcapFilter:   "udp || icmp",
	PcapSnaplen:  1500,
	PortArgs:     1,
	HelpText: "Probe module that sends a BACnet/IP ReadProperty request for the " +
		"wildcard device's object identifier. Probe args: validate_invoke_id " +
		"(require replies to echo the cookie's invoke ID).",
	Fields: fields,
}

type options struct {
	validateInvokeID bool
}

func parseArgs(args string) (*options, error) {
	opts := &options{}
	for _, a := range strings.Split(args, ",") {
		switch strings.TrimSpace(a) {
		case "":
		case "validate_invoke_id":
			opts.validateInvokeID = true
		default:
			return nil, fmt.Errorf("bacnet: unknown probe arg %q", a)
		}
	}
	return opts, nil
}

// Module implements probe.Module for BACnet/IP.
type Module struct{}

// New returns the BACnet module.
func New() *Module { return &Module{} }

func (m *Module) Descriptor() *probe.Descriptor { return &descriptor }

func (m *Module) GlobalInitialize(s probe.Settings) (*probe.Global, error) {
	opts, err := parseArgs(s.ProbeArgs)
	if err != nil {
		return nil, err
	}
	g, err := probe.NewGlobal(s, true)
	if err != nil {
		return nil, err
	}
	g.Module = opts
	if !g.ValidateSrcPort {
		log.WithField("module", descriptor.Name).Debug("disabling source port validation")
	}
	if opts.validateInvokeID {
		log.WithField("module", descriptor.Name).Debug("requiring invoke ID match")
	}
	return g, nil
}

func (m *Module) ThreadInitialize(_ *probe.Global) (*probe.ThreadContext, error) {
	return probe.NewThreadContext()
}

// PrepareTemplate writes every field that is the same for all probes.
func (m *Module) PrepareTemplate(buf []byte, srcMAC, gwMAC net.HardwareAddr, _ *probe.Global, _ *probe.ThreadContext) error {
	if PacketLen > descriptor.MaxPacketLen {
		return probe.ErrPacketTooLarge
	}
	if len(buf) < PacketLen {
		return fmt.Errorf("%w: have %d, need %d", probe.ErrBufferTooSmall, len(buf), PacketLen)
	}
	clear(buf)

	packet.MakeEthHeader(buf, srcMAC, gwMAC)
	packet.MakeIPv4Header(buf, packet.ProtoUDP, packet.IPv4Len+packet.UDPLen+MessageLen)
	packet.MakeUDPHeader(buf, packet.UDPLen+MessageLen)

	buf[offVLC+0] = TypeIP
	buf[offVLC+1] = FunctionUnicastNPDU
	binary.BigEndian.PutUint16(buf[offVLC+2:], MessageLen)

	buf[offNPDU+0] = NPDUVersion
	buf[offNPDU+1] = npduControlExpectingReply

	buf[offAPDU+0] = PDUConfirmedRequest << 4
	buf[offAPDU+1] = apduMaxSegments
	// offAPDU+2 is the invoke ID, set per probe
	buf[offAPDU+3] = serviceReadProperty
	copy(buf[offBody:], body[:])
	return nil
}

// MakePacket patches the per-probe fields into a prepared template and
// returns the frame length to transmit.
func (m *Module) MakePacket(buf []byte, t probe.Target, v validate.Vector, g *probe.Global, _ *probe.ThreadContext) (int, error) {
	if len(buf) < PacketLen {
		return 0, fmt.Errorf("%w: have %d, need %d", probe.ErrBufferTooSmall, len(buf), PacketLen)
	}
	packet.PutIPv4Addrs(buf, t.SrcIP, t.DstIP)
	buf[packet.OffIPTTL] = t.TTL
	binary.BigEndian.PutUint16(buf[packet.OffIPID:], t.IPID)

	binary.BigEndian.PutUint16(buf[packet.OffUDPSrcPort:], validate.SourcePort(g.SourcePorts, t.Attempt, v))
	binary.BigEndian.PutUint16(buf[packet.OffUDPDstPort:], t.DstPort)
	buf[offInvokeID] = validate.InvokeID(v)

	packet.FinishUDP(buf, PacketLen)
	packet.FinishIPv4(buf)
	return PacketLen, nil
}

// Validate accepts BACnet/IP replies and ICMP errors about our probes.
//
// ICMP errors are judged by the shared UDP rules. When the router quoted
// enough of the probe to include the BVLC type byte it must still read
// TypeIP; most routers quote only 8 bytes, so its absence is not a reject.
func (m *Module) Validate(ip packet.IPv4, g *probe.Global) (probe.Verdict, probe.Match) {
	verdict, match := probe.ValidateUDP(ip, g)
	if verdict == probe.Invalid {
		return probe.Invalid, probe.Match{}
	}

	switch ip.Protocol() {
	case packet.ProtoUDP:
		udp, _ := packet.UDPHeader(ip)
		payload := udp.Payload()
		if udp.Length() < packet.UDPLen+VLCLen+NPDULen || len(payload) < VLCLen+NPDULen {
			return probe.Invalid, probe.Match{}
		}
		if payload[0] != TypeIP {
			return probe.Invalid, probe.Match{}
		}
		// The BVLC length covers the whole message; more than we hold means
		// the capture was cut short.
		if n := int(binary.BigEndian.Uint16(payload[2:4])); n < VLCLen+NPDULen || n > len(payload) {
			return probe.Invalid, probe.Match{}
		}
		if opts, _ := g.Module.(*options); opts != nil && opts.validateInvokeID {
			var msg BACnet
			if err := msg.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
				return probe.Invalid, probe.Match{}
			}
			if !msg.HasInvokeID || msg.InvokeID != validate.InvokeID(match.Vector) {
				return probe.Invalid, probe.Match{}
			}
		}
	case packet.ProtoICMP:
		if quoted := probe.QuotedUDPPayload(ip); len(quoted) > 0 && quoted[0] != TypeIP {
			return probe.Invalid, probe.Match{}
		}
	}
	return probe.Valid, match
}

// Extract maps an accepted packet to the module's fields.
func (m *Module) Extract(fs *fieldset.FieldSet, ip packet.IPv4, _ *probe.Global) {
	switch ip.Protocol() {
	case packet.ProtoUDP:
		udp, ok := packet.UDPHeader(ip)
		if !ok {
			panic("bacnet: Extract called on a UDP packet without a UDP header")
		}
		fs.AddUint64("sport", uint64(udp.SrcPort()))
		fs.AddUint64("dport", uint64(udp.DstPort()))
		fs.AddString("classification", descriptor.Name)
		fs.AddBool("success", true)
		fs.AddBinary("udp_payload", udp.Payload())
		probe.AddNullICMP(fs)
	case packet.ProtoICMP:
		fs.AddNull("sport")
		fs.AddNull("dport")
		fs.AddString("classification", "icmp")
		fs.AddBool("success", false)
		fs.AddNull("udp_payload")
		probe.PopulateICMP(fs, ip)
	default:
		panic(fmt.Sprintf("bacnet: Extract called on IP protocol %d", ip.Protocol()))
	}
}

func (m *Module) Close(_ *probe.Global, _ *probe.ThreadContext) error { return nil }

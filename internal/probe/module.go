// Package probe defines the contract between the scan engine and the protocol
// modules it drives. The engine never interprets packets itself: it builds a
// template once per send worker, asks the module to patch it for every
// (destination, attempt), and hands each captured frame to the module's
// validator and extractor.
package probe

import (
	"errors"
	"net"

	"probescan/internal/fieldset"
	"probescan/internal/packet"
	"probescan/internal/validate"
)

var (
	// ErrPacketTooLarge means a template would exceed the module's declared maximum.
	ErrPacketTooLarge = errors.New("probe packet exceeds max packet length")
	// ErrBufferTooSmall means the caller's template buffer cannot hold the probe.
	ErrBufferTooSmall = errors.New("template buffer too small")
)

// Verdict is the outcome of validating one captured packet.
type Verdict int

const (
	Invalid Verdict = iota
	Valid
)

func (v Verdict) String() string {
	if v == Valid {
		return "valid"
	}
	return "invalid"
}

// Descriptor is the static description of a module.
type Descriptor struct {
	Name         string
	MaxPacketLen int
	PcapFilter   string
	PcapSnaplen  int
	PortArgs     int // number of target ports the module needs (0 or 1)
	HelpText     string
	Fields       []fieldset.Def
}

// Target is everything that varies between two probes from the same worker.
// Addresses are host-order IPv4.
type Target struct {
	SrcIP   uint32
	DstIP   uint32
	DstPort uint16
	TTL     uint8
	Attempt int
	IPID    uint16
}

// Match is what the validator recovers from an accepted packet.
type Match struct {
	// SrcIP is the scanned host the packet is about. For ICMP errors this is
	// the destination of the quoted probe, not the ICMP sender.
	SrcIP  uint32
	Vector validate.Vector
}

// Module is implemented once per supported protocol.
//
// GlobalInitialize runs once before any worker starts. ThreadInitialize runs
// once per send worker and its ThreadContext must stay on that worker.
// PrepareTemplate and MakePacket write only into the worker's own buffer.
// Validate and Extract are called from the capture path and must not retain
// the packet after returning.
type Module interface {
	Descriptor() *Descriptor
	GlobalInitialize(s Settings) (*Global, error)
	ThreadInitialize(g *Global) (*ThreadContext, error)
	PrepareTemplate(buf []byte, srcMAC, gwMAC net.HardwareAddr, g *Global, tc *ThreadContext) error
	MakePacket(buf []byte, t Target, v validate.Vector, g *Global, tc *ThreadContext) (int, error)
	Validate(ip packet.IPv4, g *Global) (Verdict, Match)
	Extract(fs *fieldset.FieldSet, ip packet.IPv4, g *Global)
	Close(g *Global, tc *ThreadContext) error
}

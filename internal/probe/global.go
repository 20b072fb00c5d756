package probe

import (
	"errors"
	"fmt"
	"strings"

	"probescan/internal/validate"
)

// SourcePortValidation is the operator override for source-port checking.
type SourcePortValidation int

const (
	SourcePortDefault SourcePortValidation = iota // module decides
	SourcePortEnable
	SourcePortDisable
)

// ParseSourcePortValidation accepts "", "default", "enable" or "disable".
func ParseSourcePortValidation(s string) (SourcePortValidation, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return SourcePortDefault, nil
	case "enable", "enabled", "true":
		return SourcePortEnable, nil
	case "disable", "disabled", "false":
		return SourcePortDisable, nil
	}
	return SourcePortDefault, fmt.Errorf("invalid source port validation %q", s)
}

// Settings is the process-wide input a module reads in GlobalInitialize.
type Settings struct {
	SourcePorts        validate.PortRange
	TargetPorts        []uint16
	PacketStreams      int // probes sent per destination
	TTL                uint8
	ValidateSourcePort SourcePortValidation
	ProbeArgs          string
	Cookies            *validate.Generator
}

// Global is the immutable, derived configuration shared read-only by every
// worker and the capture path once GlobalInitialize returns.
type Global struct {
	Settings
	NumPorts        int
	ValidateSrcPort bool

	targetPorts [1024]uint64 // bitmap over 65536 ports
	anyPort     bool

	// Module holds module-specific derived state (parsed probe args etc).
	Module any
}

// NewGlobal checks s and derives the shared state. moduleValidates is the
// module's source-port validation default.
func NewGlobal(s Settings, moduleValidates bool) (*Global, error) {
	if s.Cookies == nil {
		return nil, errors.New("no validation secret configured")
	}
	if s.SourcePorts.First == 0 || s.SourcePorts.First > s.SourcePorts.Last {
		return nil, fmt.Errorf("invalid source port range %d-%d", s.SourcePorts.First, s.SourcePorts.Last)
	}
	if s.PacketStreams < 1 {
		s.PacketStreams = 1
	}
	if s.TTL == 0 {
		s.TTL = 255
	}

	g := &Global{
		Settings:        s,
		NumPorts:        s.SourcePorts.NumPorts(),
		ValidateSrcPort: moduleValidates,
		anyPort:         len(s.TargetPorts) == 0,
	}
	switch s.ValidateSourcePort {
	case SourcePortEnable:
		g.ValidateSrcPort = true
	case SourcePortDisable:
		g.ValidateSrcPort = false
	}
	for _, p := range s.TargetPorts {
		g.targetPorts[p>>6] |= 1 << (p & 63)
	}
	return g, nil
}

// IsTargetPort reports whether p is one of the scanned destination ports.
// With no ports configured every port matches.
func (g *Global) IsTargetPort(p uint16) bool {
	if g.anyPort {
		return true
	}
	return g.targetPorts[p>>6]&(1<<(p&63)) != 0
}

// CheckSourcePort applies the source-port policy to the port a reply was
// addressed to (or the quoted source port of an ICMP error).
func (g *Global) CheckSourcePort(port uint16, v validate.Vector) bool {
	if !g.ValidateSrcPort {
		return true
	}
	return validate.CheckSourcePort(port, g.SourcePorts, g.PacketStreams, v)
}

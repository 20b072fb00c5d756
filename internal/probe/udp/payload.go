package udp

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Payloads holds the datagram body sent to each destination port.
type Payloads struct {
	Default []byte
	ByPort  map[uint16][]byte
}

// For returns the payload for a destination port.
func (p *Payloads) For(port uint16) []byte {
	if b, ok := p.ByPort[port]; ok {
		return b
	}
	return p.Default
}

// MaxLen is the longest payload any port can receive.
func (p *Payloads) MaxLen() int {
	n := len(p.Default)
	for _, b := range p.ByPort {
		n = max(n, len(b))
	}
	return n
}

// payloadFileYAML is the on-disk format accepted by the "yaml:" probe arg.
type payloadFileYAML struct {
	Default string        `yaml:"default"`
	Probes  []payloadYAML `yaml:"probes"`
}

type payloadYAML struct {
	Name  string   `yaml:"name"`
	Ports []uint16 `yaml:"ports"`
	Hello string   `yaml:"hello,omitempty"`
	Hex   string   `yaml:"hex,omitempty"`
}

// ParsePayloadArg decodes the probe args of the udp module:
//
//	text:<string>   literal bytes
//	hex:<hex>       hex-encoded bytes
//	file:<path>     raw file contents
//	yaml:<path>     per-port payloads (see payloadFileYAML)
//
// An empty arg sends an empty datagram.
func ParsePayloadArg(arg string) (*Payloads, error) {
	p := &Payloads{}
	if arg == "" {
		return p, nil
	}
	kind, val, ok := strings.Cut(arg, ":")
	if !ok {
		return nil, fmt.Errorf("udp: probe args must be text:, hex:, file: or yaml:, got %q", arg)
	}
	switch kind {
	case "text":
		p.Default = []byte(val)
	case "hex":
		b, err := hex.DecodeString(val)
		if err != nil {
			return nil, fmt.Errorf("udp: hex payload: %w", err)
		}
		p.Default = b
	case "file":
		b, err := os.ReadFile(val)
		if err != nil {
			return nil, fmt.Errorf("udp: payload file: %w", err)
		}
		p.Default = b
	case "yaml":
		data, err := os.ReadFile(val)
		if err != nil {
			return nil, fmt.Errorf("udp: payload file: %w", err)
		}
		return parsePayloadYAML(data)
	default:
		return nil, fmt.Errorf("udp: unknown payload type %q", kind)
	}
	return p, nil
}

func parsePayloadYAML(data []byte) (*Payloads, error) {
	var raw payloadFileYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("udp: parse payload file: %w", err)
	}
	p := &Payloads{
		Default: decodeYAMLBinary(raw.Default),
		ByPort:  make(map[uint16][]byte),
	}
	for _, pr := range raw.Probes {
		body := decodeYAMLBinary(pr.Hello)
		if pr.Hex != "" {
			b, err := hex.DecodeString(pr.Hex)
			if err != nil {
				return nil, fmt.Errorf("udp: probe %q: %w", pr.Name, err)
			}
			body = b
		}
		for _, port := range pr.Ports {
			p.ByPort[port] = body
		}
	}
	return p, nil
}

// decodeYAMLBinary undoes YAML's \xNN escapes, which decode to the code point
// U+00NN rather than the byte.
func decodeYAMLBinary(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r))
	}
	return out
}

package targets

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePorts expands a string like "47808,161,1000-1005" into ports, keeping
// first-seen order and dropping duplicates. A leading "U:" is accepted so
// nmap-style UDP specs can be pasted unchanged.
func ParsePorts(spec string) ([]uint16, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	if len(spec) > 2 && (spec[:2] == "U:" || spec[:2] == "u:") {
		spec = spec[2:]
	}

	var ports []uint16
	var seen [65536 / 64]uint64
	add := func(p int) {
		if seen[p>>6]&(1<<(p&63)) != 0 {
			return
		}
		seen[p>>6] |= 1 << (p & 63)
		ports = append(ports, uint16(p))
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(lo)
			end, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("invalid port numbers: %s", part)
			}
			if start > end || start < 1 || end > 65535 {
				return nil, fmt.Errorf("invalid port range bounds: %d-%d", start, end)
			}
			for p := start; p <= end; p++ {
				add(p)
			}
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid port: %q", part)
		}
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("port out of range: %d", p)
		}
		add(p)
	}
	return ports, nil
}

// ParsePortRange parses a source port range "first-last" (or a single port).
func ParsePortRange(spec string) (first, last uint16, err error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		hi = lo
	}
	a, err1 := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	b, err2 := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err1 != nil || err2 != nil || a == 0 || a > b {
		return 0, 0, fmt.Errorf("invalid source port range %q", spec)
	}
	return uint16(a), uint16(b), nil
}

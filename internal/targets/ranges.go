package targets

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
)

// ErrNoTargets is returned when the target specs resolve to no addresses.
var ErrNoTargets = errors.New("no valid targets")

// Range is an inclusive block of IPv4 addresses in host order.
type Range struct {
	First, Last uint32
}

// Size returns the number of addresses in r.
func (r Range) Size() uint64 { return uint64(r.Last) - uint64(r.First) + 1 }

func (r Range) String() string {
	if r.First == r.Last {
		return uint32ToIP(r.First).String()
	}
	return uint32ToIP(r.First).String() + "-" + uint32ToIP(r.Last).String()
}

// ParseRange accepts a CIDR ("10.0.0.0/8"), a single address, a dash range
// ("10.0.0.1-10.0.0.9") or an octet range ("10.0.1-2.1-254"). Octet ranges
// can produce several disjoint blocks.
func ParseRange(spec string) ([]Range, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case strings.Contains(spec, ":"):
		return nil, fmt.Errorf("IPv6 target %q not supported", spec)
	case strings.Contains(spec, "/"):
		_, ipNet, err := net.ParseCIDR(spec)
		if err != nil {
			return nil, err
		}
		start := ipToUint32(ipNet.IP)
		mask := ipToUint32(net.IP(ipNet.Mask))
		return []Range{{First: start, Last: start | ^mask}}, nil
	}

	if ip := net.ParseIP(spec); ip != nil {
		u := ipToUint32(ip)
		return []Range{{First: u, Last: u}}, nil
	}

	if lo, hi, ok := strings.Cut(spec, "-"); ok {
		a, b := net.ParseIP(strings.TrimSpace(lo)), net.ParseIP(strings.TrimSpace(hi))
		if a != nil && b != nil {
			r := Range{First: ipToUint32(a), Last: ipToUint32(b)}
			if r.First > r.Last {
				return nil, fmt.Errorf("inverted range %q", spec)
			}
			return []Range{r}, nil
		}
	}
	return parseOctetRange(spec)
}

// parseOctetRange expands "A.B.C.D" where each part is "X" or "X-Y" into one
// block per combination of the first three octets.
func parseOctetRange(spec string) ([]Range, error) {
	parts := strings.Split(spec, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid target %q", spec)
	}
	var lo, hi [4]uint32
	for i, p := range parts {
		a, b, err := parseOctet(p)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", spec, err)
		}
		lo[i], hi[i] = a, b
	}

	var out []Range
	for o0 := lo[0]; o0 <= hi[0]; o0++ {
		for o1 := lo[1]; o1 <= hi[1]; o1++ {
			for o2 := lo[2]; o2 <= hi[2]; o2++ {
				base := o0<<24 | o1<<16 | o2<<8
				out = append(out, Range{First: base | lo[3], Last: base | hi[3]})
			}
		}
	}
	return out, nil
}

func parseOctet(s string) (uint32, uint32, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		hi = lo
	}
	a, err1 := strconv.ParseUint(lo, 10, 8)
	b, err2 := strconv.ParseUint(hi, 10, 8)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("invalid octet %q", s)
	}
	if a > b {
		return 0, 0, fmt.Errorf("invalid octet range %d-%d", a, b)
	}
	return uint32(a), uint32(b), nil
}

// ReadSpecs reads one target spec per line; blank lines and '#' comments are skipped.
func ReadSpecs(r io.Reader) ([]string, error) {
	var specs []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line, _, _ := strings.Cut(sc.Text(), "#")
		if line = strings.TrimSpace(line); line != "" {
			specs = append(specs, line)
		}
	}
	return specs, sc.Err()
}

// Set is a sorted list of disjoint ranges.
type Set []Range

// NewSet parses specs and merges overlapping or adjacent blocks.
func NewSet(specs []string) (Set, error) {
	var rs []Range
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		parsed, err := ParseRange(s)
		if err != nil {
			return nil, err
		}
		rs = append(rs, parsed...)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].First < rs[j].First })

	var out Set
	for _, r := range rs {
		if n := len(out); n > 0 && uint64(r.First) <= uint64(out[n-1].Last)+1 {
			out[n-1].Last = max(out[n-1].Last, r.Last)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Contains reports whether ip is in the set and, if so, the end of its block.
func (s Set) Contains(ip uint32) (bool, uint32) {
	i := sort.Search(len(s), func(i int) bool { return s[i].Last >= ip })
	if i < len(s) && s[i].First <= ip {
		return true, s[i].Last
	}
	return false, 0
}

// Subtract removes every address in ex from s.
func (s Set) Subtract(ex Set) Set {
	var out Set
	for _, r := range s {
		cur := r
		ok := true
		for _, e := range ex {
			if e.Last < cur.First || e.First > cur.Last {
				continue
			}
			if e.First > cur.First {
				out = append(out, Range{First: cur.First, Last: e.First - 1})
			}
			if e.Last >= cur.Last {
				ok = false
				break
			}
			cur.First = e.Last + 1
		}
		if ok {
			out = append(out, cur)
		}
	}
	return out
}

// Size returns the number of addresses in the set.
func (s Set) Size() uint64 {
	var n uint64
	for _, r := range s {
		n += r.Size()
	}
	return n
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}

package targets

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParsePorts(t *testing.T) {
	cases := []struct {
		spec string
		want []uint16
	}{
		{"47808", []uint16{47808}},
		{"161,47808,161", []uint16{161, 47808}},
		{"1000-1003", []uint16{1000, 1001, 1002, 1003}},
		{"U:53, 123", []uint16{53, 123}},
		{"", nil},
	}
	for _, tc := range cases {
		got, err := ParsePorts(tc.spec)
		if err != nil {
			t.Fatalf("%q: %v", tc.spec, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParsePorts(%q) = %v, want %v", tc.spec, got, tc.want)
		}
	}
	for _, bad := range []string{"0", "70000", "10-5", "http", "1-2-3"} {
		if _, err := ParsePorts(bad); err == nil {
			t.Errorf("ParsePorts(%q) accepted", bad)
		}
	}
}

func TestParsePortRange(t *testing.T) {
	first, last, err := ParsePortRange("32768-61000")
	if err != nil || first != 32768 || last != 61000 {
		t.Errorf("got %d-%d, %v", first, last, err)
	}
	if first, last, err := ParsePortRange("40000"); err != nil || first != 40000 || last != 40000 {
		t.Errorf("single port: %d-%d, %v", first, last, err)
	}
	for _, bad := range []string{"0-10", "9-1", "a-b", "1-70000"} {
		if _, _, err := ParsePortRange(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		spec string
		want []string
	}{
		{"192.168.1.0/30", []string{"192.168.1.0-192.168.1.3"}},
		{"10.0.0.5", []string{"10.0.0.5"}},
		{"10.0.0.1-10.0.0.9", []string{"10.0.0.1-10.0.0.9"}},
		{"10.0.1-2.1-2", []string{"10.0.1.1-10.0.1.2", "10.0.2.1-10.0.2.2"}},
	}
	for _, tc := range cases {
		rs, err := ParseRange(tc.spec)
		if err != nil {
			t.Fatalf("%q: %v", tc.spec, err)
		}
		var got []string
		for _, r := range rs {
			got = append(got, r.String())
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParseRange(%q) = %v, want %v", tc.spec, got, tc.want)
		}
	}
	for _, bad := range []string{"::1", "10.0.0.9-10.0.0.1", "10.0.300.1", "example.com"} {
		if _, err := ParseRange(bad); err == nil {
			t.Errorf("ParseRange(%q) accepted", bad)
		}
	}
}

func TestSet(t *testing.T) {
	s, err := NewSet([]string{"10.0.0.0/24", "10.0.1.0/24", "10.0.0.128/25", "192.168.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 2 || s.Size() != 513 {
		t.Fatalf("merged set = %v (size %d)", s, s.Size())
	}
	if ok, end := s.Contains(0x0a000150); !ok || end != 0x0a0001ff {
		t.Errorf("Contains(10.0.1.80) = %v, %08x", ok, end)
	}
	if ok, _ := s.Contains(0x0a000200); ok {
		t.Error("10.0.2.0 reported as contained")
	}

	ex, _ := NewSet([]string{"10.0.0.0/25", "10.0.1.10-10.0.1.19"})
	got := s.Subtract(ex)
	want := Set{
		{First: 0x0a000080, Last: 0x0a000109},
		{First: 0x0a000114, Last: 0x0a0001ff},
		{First: 0xc0a80001, Last: 0xc0a80001},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Subtract = %v, want %v", got, want)
	}
}

func TestReadSpecs(t *testing.T) {
	specs, err := ReadSpecs(strings.NewReader("# bms subnets\n10.1.0.0/16\n\n  10.2.0.1  # chiller\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(specs, []string{"10.1.0.0/16", "10.2.0.1"}) {
		t.Errorf("specs = %q", specs)
	}
}

func collect(it *Iterator) []Target {
	var out []Target
	for {
		tgt, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, tgt)
	}
}

func TestIterator_Sequential(t *testing.T) {
	it, err := NewIterator([]string{"10.0.0.0/31"}, nil, []uint16{161, 47808}, Options{Sequential: true})
	if err != nil {
		t.Fatal(err)
	}
	want := []Target{
		{0x0a000000, 161}, {0x0a000000, 47808},
		{0x0a000001, 161}, {0x0a000001, 47808},
	}
	if got := collect(it); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if it.Total() != 4 || it.Addresses() != 2 {
		t.Errorf("Total=%d Addresses=%d", it.Total(), it.Addresses())
	}
}

func TestIterator_ShuffledShardsCoverSpace(t *testing.T) {
	it, err := NewIterator([]string{"10.0.0.0/24", "172.16.5.0/28"}, []string{"10.0.0.0/26"}, []uint16{47808},
		Options{Seed: []byte("seed")})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[Target]bool{}
	for _, shard := range it.Split(3) {
		for _, tgt := range collect(shard) {
			if seen[tgt] {
				t.Fatalf("%s visited twice", tgt)
			}
			seen[tgt] = true
			if tgt.IP>>24 == 10 && tgt.IP&0xff < 64 {
				t.Fatalf("excluded %s visited", tgt)
			}
		}
	}
	if len(seen) != 192+16 {
		t.Errorf("visited %d targets, want %d", len(seen), 192+16)
	}

	if it.Remaining() != it.Total() {
		t.Error("draining shards advanced the parent")
	}
	again, _ := NewIterator([]string{"10.0.0.0/24", "172.16.5.0/28"}, []string{"10.0.0.0/26"}, []uint16{47808},
		Options{Seed: []byte("seed")})
	if !reflect.DeepEqual(collect(it), collect(again)) {
		t.Error("same seed produced a different order")
	}
}

func TestIterator_NoTargets(t *testing.T) {
	if _, err := NewIterator([]string{"10.0.0.0/30"}, []string{"10.0.0.0/24"}, nil, Options{}); !errors.Is(err, ErrNoTargets) {
		t.Errorf("err = %v", err)
	}
}

func TestPermutation(t *testing.T) {
	for _, size := range []uint64{1, 2, 7, 1000} {
		p := NewPermutation(size, []byte{1, 2, 3})
		seen := make([]bool, size)
		for i := uint64(0); i < size; i++ {
			v := p.Permute(i)
			if v >= size || seen[v] {
				t.Fatalf("size %d: Permute(%d) = %d repeats or escapes", size, i, v)
			}
			seen[v] = true
		}
	}
}

package targets

import (
	"fmt"
	"net"
	"sort"
)

// Target is one (address, port) pair to probe. IP is host order.
type Target struct {
	IP   uint32
	Port uint16
}

func (t Target) String() string {
	return net.JoinHostPort(uint32ToIP(t.IP).String(), fmt.Sprint(t.Port))
}

// Iterator walks the (address, port) space of a scan. Indices [current, end)
// map through an optional Permutation onto address*ports + port.
// An Iterator is not safe for concurrent use; Split hands one to each worker.
type Iterator struct {
	ranges     Set
	cumulative []uint64 // cumulative[i] = addresses before ranges[i]
	ports      []uint16
	total      uint64
	perm       *Permutation

	current uint64
	end     uint64
}

// Options control target ordering.
type Options struct {
	// Sequential visits targets in address order instead of shuffling.
	Sequential bool
	// Seed keys the shuffle; runs with the same seed visit in the same order.
	Seed []byte
}

// NewIterator resolves include minus exclude and crosses it with ports. An
// empty port list probes each address once with port 0.
func NewIterator(include, exclude []string, ports []uint16, opts Options) (*Iterator, error) {
	in, err := NewSet(include)
	if err != nil {
		return nil, err
	}
	ex, err := NewSet(exclude)
	if err != nil {
		return nil, fmt.Errorf("exclude: %w", err)
	}
	set := in.Subtract(ex)
	if set.Size() == 0 {
		return nil, ErrNoTargets
	}
	if len(ports) == 0 {
		ports = []uint16{0}
	}

	it := &Iterator{
		ranges:     set,
		cumulative: make([]uint64, len(set)),
		ports:      ports,
	}
	var n uint64
	for i, r := range set {
		it.cumulative[i] = n
		n += r.Size()
	}
	it.total = n * uint64(len(ports))
	it.end = it.total
	if !opts.Sequential {
		it.perm = NewPermutation(it.total, opts.Seed)
	}
	return it, nil
}

// Next returns the next target, or false when the shard is exhausted.
func (it *Iterator) Next() (Target, bool) {
	if it.current >= it.end {
		return Target{}, false
	}
	idx := it.current
	if it.perm != nil {
		idx = it.perm.Permute(idx)
	}
	it.current++

	nports := uint64(len(it.ports))
	return Target{IP: it.resolve(idx / nports), Port: it.ports[idx%nports]}, true
}

func (it *Iterator) resolve(n uint64) uint32 {
	i := sort.Search(len(it.cumulative), func(i int) bool { return it.cumulative[i] > n }) - 1
	return it.ranges[i].First + uint32(n-it.cumulative[i])
}

// Total is the size of the whole scan, not just this shard.
func (it *Iterator) Total() uint64 { return it.total }

// Addresses returns the number of distinct addresses scanned.
func (it *Iterator) Addresses() uint64 { return it.total / uint64(len(it.ports)) }

// Remaining returns how many targets this shard has left.
func (it *Iterator) Remaining() uint64 { return it.end - it.current }

// Split divides the remaining space into n contiguous index shards.
func (it *Iterator) Split(n int) []*Iterator {
	if n < 1 {
		n = 1
	}
	span := it.end - it.current
	chunk := span / uint64(n)

	shards := make([]*Iterator, 0, n)
	start := it.current
	for i := 0; i < n; i++ {
		end := start + chunk
		if i == n-1 {
			end = it.end
		}
		shard := *it
		shard.current, shard.end = start, end
		shards = append(shards, &shard)
		start = end
	}
	return shards
}

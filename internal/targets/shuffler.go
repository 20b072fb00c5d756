package targets

const feistelRounds = 6

// Permutation is a keyed bijection on [0, size), used to visit targets in an
// order that does not hammer one network at a time. The same key and size
// always give the same order, so shards built from one Permutation partition
// the space exactly.
type Permutation struct {
	keys      [feistelRounds]uint64
	size      uint64
	halfWidth uint
	lowerMask uint64
}

// NewPermutation builds a permutation of [0, size) keyed by seed.
func NewPermutation(size uint64, seed []byte) *Permutation {
	bits := uint(2)
	for bits < 64 && (uint64(1)<<bits) < size {
		bits++
	}
	if bits%2 != 0 {
		bits++
	}
	halfWidth := bits / 2

	// FNV-1a over the seed, then one finalizer pass per round key.
	h := uint64(0xcbf29ce484222325)
	for _, b := range seed {
		h ^= uint64(b)
		h *= 0x100000001b3
	}
	var keys [feistelRounds]uint64
	for i := range keys {
		keys[i] = mix(h, uint64(i)+1)
	}

	return &Permutation{
		keys:      keys,
		size:      size,
		halfWidth: halfWidth,
		lowerMask: uint64(1)<<halfWidth - 1,
	}
}

// Permute maps index to a unique value in [0, size) by cycle-walking.
func (p *Permutation) Permute(index uint64) uint64 {
	x := index
	for {
		x = p.encrypt(x)
		if x < p.size {
			return x
		}
	}
}

func (p *Permutation) encrypt(block uint64) uint64 {
	left := (block >> p.halfWidth) & p.lowerMask
	right := block & p.lowerMask
	for i := 0; i < feistelRounds; i++ {
		left, right = right, left^(mix(right, p.keys[i])&p.lowerMask)
	}
	return left<<p.halfWidth | right
}

// mix is the murmur3 64-bit finalizer over val^key.
func mix(val, key uint64) uint64 {
	v := val ^ key
	v ^= v >> 33
	v *= 0xff51afd7ed558ccd
	v ^= v >> 33
	v *= 0xc4ceb9fe1a85ec53
	v ^= v >> 33
	return v
}

// Package validate derives the per-destination validation vector that lets the
// receive path authenticate replies without remembering what was sent.
//
// The vector is one AES-128 block computed over (source IP, destination IP,
// destination port) under a run-scoped key. Probe modules encode selected bits
// of it into header fields that survive the round trip: the UDP source port,
// and protocol fields such as the BACnet invoke ID.
package validate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// KeyLen is the size of the run secret.
const KeyLen = 16

// VectorWords is the number of 32-bit words in a Vector.
const VectorWords = 4

// Vector is the validation cookie for one (source, destination, port) triple.
type Vector [VectorWords]uint32

// Generator holds the run secret. It is safe for concurrent use; the
// underlying AES block is read-only after construction.
type Generator struct {
	block cipher.Block
	key   [KeyLen]byte
}

// NewGenerator keys a generator with a fixed secret.
func NewGenerator(key [KeyLen]byte) (*Generator, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes init: %w", err)
	}
	return &Generator{block: block, key: key}, nil
}

// NewRandomGenerator keys a generator from crypto/rand.
func NewRandomGenerator() (*Generator, error) {
	var key [KeyLen]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("read run secret: %w", err)
	}
	return NewGenerator(key)
}

// ParseKey decodes a 32-character hex secret.
func ParseKey(s string) ([KeyLen]byte, error) {
	var key [KeyLen]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid seed %q: %w", s, err)
	}
	if len(b) != KeyLen {
		return key, fmt.Errorf("invalid seed length %d, want %d bytes", len(b), KeyLen)
	}
	copy(key[:], b)
	return key, nil
}

// Key returns the secret as hex, for logging a reproducible run.
func (g *Generator) Key() string { return hex.EncodeToString(g.key[:]) }

// Derive computes the vector for a probe from src to dst:dstPort. Addresses are
// host-order IPv4. The receive path calls it with the reply's addresses swapped
// back into probe order. Zero heap allocations.
func (g *Generator) Derive(src, dst uint32, dstPort uint16) Vector {
	var in, out [aes.BlockSize]byte
	binary.BigEndian.PutUint32(in[0:4], src)
	binary.BigEndian.PutUint32(in[4:8], dst)
	binary.BigEndian.PutUint16(in[8:10], dstPort)
	g.block.Encrypt(out[:], in[:])

	var v Vector
	for i := range v {
		v[i] = binary.LittleEndian.Uint32(out[i*4:])
	}
	return v
}

// PortRange is the configured source port range [First, Last].
type PortRange struct {
	First uint16
	Last  uint16
}

// NumPorts returns how many source ports the range holds.
func (r PortRange) NumPorts() int { return int(r.Last) - int(r.First) + 1 }

// SourcePort picks the source port for the given attempt. Successive attempts
// walk forward from the vector's base offset and wrap inside the range.
func SourcePort(r PortRange, attempt int, v Vector) uint16 {
	n := uint32(r.NumPorts())
	return r.First + uint16((v[1]%n+uint32(attempt))%n)
}

// CheckSourcePort reports whether port could have been produced by SourcePort
// for any attempt in [0, attempts).
func CheckSourcePort(port uint16, r PortRange, attempts int, v Vector) bool {
	if port < r.First || port > r.Last {
		return false
	}
	if attempts < 1 {
		attempts = 1
	}
	n := uint32(r.NumPorts())
	if uint32(attempts) >= n {
		return true
	}
	offset := uint32(port - r.First)
	base := v[1] % n
	return (offset+n-base)%n < uint32(attempts)
}

// InvokeID is the byte carried in the BACnet APDU invoke-ID field.
func InvokeID(v Vector) uint8 {
	return uint8(v[1] >> 24)
}

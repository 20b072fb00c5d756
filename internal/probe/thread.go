package probe

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
)

// ThreadContext is the per-worker state returned by ThreadInitialize. It is
// not safe for concurrent use and must never leave the worker that created it.
type ThreadContext struct {
	rng *mrand.Rand
}

// NewThreadContext seeds a worker-local generator from crypto/rand.
func NewThreadContext() (*ThreadContext, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seed thread rng: %w", err)
	}
	return NewSeededThreadContext(seed), nil
}

// NewSeededThreadContext builds a deterministic context, mostly for tests.
func NewSeededThreadContext(seed [32]byte) *ThreadContext {
	return &ThreadContext{rng: mrand.New(mrand.NewChaCha8(seed))}
}

// IPID returns a random IP identification value.
func (tc *ThreadContext) IPID() uint16 { return uint16(tc.rng.Uint32()) }

// Uint32 returns a random word.
func (tc *ThreadContext) Uint32() uint32 { return tc.rng.Uint32() }

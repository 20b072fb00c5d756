//go:build linux

package receiver

import (
	"fmt"
	"testing"

	"github.com/google/gopacket/afpacket"
)

func TestIsTimeout_Ring(t *testing.T) {
	if !IsTimeout(afpacket.ErrTimeout) || !IsTimeout(fmt.Errorf("poll: %w", afpacket.ErrTimeout)) {
		t.Error("ring poll timeout not retryable")
	}
	if IsTimeout(afpacket.ErrPoll) {
		t.Error("ring poll failure treated as a timeout")
	}
}

package engine

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type counters struct {
	targets      atomic.Uint64
	sent         atomic.Uint64
	sendErrors   atomic.Uint64
	received     atomic.Uint64
	unparsed     atomic.Uint64
	invalid      atomic.Uint64
	valid        atomic.Uint64
	outputErrors atomic.Uint64
}

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	Targets      uint64 // destinations fully probed
	Sent         uint64
	SendErrors   uint64
	Received     uint64 // frames read from the capture handle
	Unparsed     uint64 // not IPv4
	Invalid      uint64 // rejected by the module validator
	Valid        uint64
	OutputErrors uint64
	Dropped      uint64 // kernel drops reported by the capture handle
	Elapsed      time.Duration
}

func (c *counters) snapshot() Stats {
	return Stats{
		Targets:      c.targets.Load(),
		Sent:         c.sent.Load(),
		SendErrors:   c.sendErrors.Load(),
		Received:     c.received.Load(),
		Unparsed:     c.unparsed.Load(),
		Invalid:      c.invalid.Load(),
		Valid:        c.valid.Load(),
		OutputErrors: c.outputErrors.Load(),
	}
}

// HitRate is valid replies per destination probed.
func (s Stats) HitRate() float64 {
	if s.Targets == 0 {
		return 0
	}
	return float64(s.Valid) / float64(s.Targets)
}

// Fields renders s for structured logging.
func (s Stats) Fields() log.Fields {
	f := log.Fields{
		"sent":     s.Sent,
		"received": s.Received,
		"valid":    s.Valid,
		"invalid":  s.Invalid,
		"elapsed":  s.Elapsed.Round(time.Millisecond).String(),
	}
	if secs := s.Elapsed.Seconds(); secs > 0 {
		f["pps"] = int(float64(s.Sent) / secs)
	}
	if s.SendErrors > 0 {
		f["send_errors"] = s.SendErrors
	}
	if s.OutputErrors > 0 {
		f["output_errors"] = s.OutputErrors
	}
	if s.Dropped > 0 {
		f["dropped"] = s.Dropped
	}
	return f
}

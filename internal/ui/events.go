package ui

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Hit is one validated reply as shown in the results table.
type Hit struct {
	Addr           string
	Port           uint16 // 0 for ICMP replies
	Classification string
	Success        bool
	Detail         string
	Time           time.Time
}

// ScanStats is polled from the engine on every tick.
type ScanStats struct {
	Sent     uint64
	Received uint64
	Valid    uint64
	Invalid  uint64
	Dropped  uint64
	Elapsed  time.Duration
	Progress float64 // 0.0 - 1.0
	Rate     float64 // packets sent per second
}

// Info is a log line surfaced under the header.
type Info struct {
	Level log.Level
	Msg   string
}

// Done tells the program the scan has finished.
type Done struct{}

type tickMsg time.Time

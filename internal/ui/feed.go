package ui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"

	"probescan/internal/fieldset"
)

// Sender is satisfied by *tea.Program.
type Sender interface {
	Send(msg tea.Msg)
}

// HitWriter is an output.ResultWriter that feeds records to the view.
type HitWriter struct {
	p   Sender
	now func() time.Time
}

func NewHitWriter(p Sender) *HitWriter {
	return &HitWriter{p: p, now: time.Now}
}

func (w *HitWriter) Write(fs *fieldset.FieldSet) error {
	w.p.Send(HitFromRecord(fs, w.now()))
	return nil
}

func (w *HitWriter) Close() error { return nil }

// HitFromRecord summarizes one output record for the results table.
func HitFromRecord(fs *fieldset.FieldSet, at time.Time) Hit {
	h := Hit{Time: at}
	if v, ok := fs.Get("saddr"); ok {
		h.Addr = v.Str
	}
	if v, ok := fs.Get("sport"); ok && v.Kind == fieldset.KindInt {
		h.Port = uint16(v.Int)
	}
	if v, ok := fs.Get("classification"); ok {
		h.Classification = v.Str
	}
	if v, ok := fs.Get("success"); ok {
		h.Success = v.Bool
	}

	if h.Success {
		if v, ok := fs.Get("udp_payload"); ok && v.Kind == fieldset.KindBinary {
			h.Detail = fmt.Sprintf("%d byte reply", len(v.Bin))
		} else if v, ok := fs.Get("udp_pkt_size"); ok && v.Kind == fieldset.KindInt {
			h.Detail = fmt.Sprintf("%d byte datagram", v.Int)
		}
		return h
	}
	if v, ok := fs.Get("icmp_unreach_str"); ok && v.Kind == fieldset.KindString {
		h.Detail = v.Str
		if r, ok := fs.Get("icmp_responder"); ok && r.Kind == fieldset.KindString && r.Str != h.Addr {
			h.Detail += " from " + r.Str
		}
	}
	return h
}

// LogHook mirrors logrus entries into the view while the terminal is taken.
type LogHook struct {
	p Sender
}

func NewLogHook(p Sender) *LogHook { return &LogHook{p: p} }

func (h *LogHook) Levels() []log.Level {
	return []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel, log.WarnLevel, log.InfoLevel}
}

func (h *LogHook) Fire(e *log.Entry) error {
	h.p.Send(Info{Level: e.Level, Msg: e.Message})
	return nil
}

// Package engine drives a probe module: send workers walk target shards and
// transmit probes, and one capture loop validates replies and writes records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	log "github.com/sirupsen/logrus"
	"github.com/tevino/abool"
	"go.uber.org/ratelimit"

	"probescan/internal/fieldset"
	"probescan/internal/output"
	"probescan/internal/packet"
	"probescan/internal/probe"
	"probescan/internal/receiver"
	"probescan/internal/sender"
	"probescan/internal/targets"
)

// TimestampLayout is ISO8601 with milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Config wires one scan. Targets and NewWriter may be nil for a replay, in
// which case only the capture loop runs. A nil Listener sends without
// capturing (dry runs).
type Config struct {
	Module probe.Module
	Global *probe.Global

	SrcIP  uint32
	SrcMAC net.HardwareAddr
	GwMAC  net.HardwareAddr

	Targets   *targets.Iterator
	Senders   int
	Rate      int // packets per second across all senders, 0 = unlimited
	TTL       uint8
	NewWriter func(worker int) (sender.PacketWriter, error)

	Listener *receiver.Listener
	Sink     output.ResultWriter
	Dumper   *receiver.Dumper // optional

	Cooldown       time.Duration
	StatusInterval time.Duration // 0 disables periodic status logging
}

// Engine runs a Config once.
type Engine struct {
	cfg    Config
	schema []fieldset.Def
	stats  counters

	sending   *abool.AtomicBool
	capturing *abool.AtomicBool
}

// Schema is the record layout the capture loop produces for m.
func Schema(m probe.Module) []fieldset.Def {
	return fieldset.Concat(fieldset.SystemDefs, m.Descriptor().Fields, fieldset.TimestampDefs)
}

// New checks cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Module == nil || cfg.Global == nil {
		return nil, errors.New("engine: module not initialized")
	}
	if cfg.Listener == nil && cfg.Targets == nil {
		return nil, errors.New("engine: nothing to send and nothing to capture")
	}
	if cfg.Listener != nil && cfg.Sink == nil {
		return nil, errors.New("engine: capture needs an output sink")
	}
	if cfg.Targets != nil && cfg.NewWriter == nil {
		return nil, errors.New("engine: targets given without a packet writer")
	}
	if cfg.Senders < 1 {
		cfg.Senders = 1
	}
	if cfg.TTL == 0 {
		cfg.TTL = cfg.Global.TTL
	}
	return &Engine{
		cfg:       cfg,
		schema:    Schema(cfg.Module),
		sending:   abool.New(),
		capturing: abool.New(),
	}, nil
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats { return e.stats.snapshot() }

// Stop ends sending early; the capture loop still honours the cooldown.
func (e *Engine) Stop() { e.sending.UnSet() }

// Run sends every probe, waits out the cooldown and stops capturing. It
// returns the first send worker error, if any.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	e.sending.Set()
	e.capturing.Set()
	start := time.Now()

	recvDone := make(chan struct{})
	if e.cfg.Listener != nil {
		go func() {
			defer close(recvDone)
			e.captureLoop()
		}()
	} else {
		close(recvDone)
	}

	statusDone := make(chan struct{})
	defer close(statusDone)
	if e.cfg.StatusInterval > 0 {
		go e.logStatus(start, statusDone)
	}

	var sendErr error
	if e.cfg.Targets != nil {
		sendErr = e.send(ctx)
		log.WithFields(log.Fields{
			"sent":    e.stats.sent.Load(),
			"elapsed": time.Since(start).Round(time.Millisecond),
		}).Info("Sending complete, waiting for responses")

		cooldown := e.cfg.Cooldown
		if e.cfg.Listener == nil {
			cooldown = 0
		}
		select {
		case <-time.After(cooldown):
		case <-ctx.Done():
		case <-recvDone:
		}
		e.capturing.UnSet()
	} else {
		// Replay: capture until the file ends or we are cancelled.
		select {
		case <-ctx.Done():
			e.capturing.UnSet()
		case <-recvDone:
		}
	}
	<-recvDone

	s := e.Stats()
	s.Elapsed = time.Since(start)
	if e.cfg.Listener != nil {
		_, s.Dropped = e.cfg.Listener.SocketStats()
	}
	return s, sendErr
}

func (e *Engine) send(ctx context.Context) error {
	n := e.cfg.Senders
	shards := e.cfg.Targets.Split(n)

	perWorker := 0
	if e.cfg.Rate > 0 {
		perWorker = max(e.cfg.Rate/n, 1)
	}

	stop := context.AfterFunc(ctx, e.sending.UnSet)
	defer stop()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for i, shard := range shards {
		wg.Add(1)
		go func(id int, it *targets.Iterator) {
			defer wg.Done()
			lim := ratelimit.NewUnlimited()
			if perWorker > 0 {
				lim = ratelimit.New(perWorker)
			}
			if err := e.sendLoop(id, it, lim); err != nil {
				log.WithError(err).WithField("worker", id).Error("Send worker failed")
				errOnce.Do(func() {
					firstErr = err
					e.sending.UnSet()
				})
			}
		}(i, shard)
	}
	wg.Wait()
	return firstErr
}

func (e *Engine) sendLoop(id int, it *targets.Iterator, lim ratelimit.Limiter) error {
	m, g := e.cfg.Module, e.cfg.Global

	w, err := e.cfg.NewWriter(id)
	if err != nil {
		return fmt.Errorf("open writer: %w", err)
	}
	defer w.Close()

	tc, err := m.ThreadInitialize(g)
	if err != nil {
		return fmt.Errorf("thread initialize: %w", err)
	}
	defer func() {
		if err := m.Close(g, tc); err != nil {
			log.WithError(err).WithField("worker", id).Warn("Module close failed")
		}
	}()

	size := m.Descriptor().MaxPacketLen
	if size <= 0 {
		size = packet.MaxFrameLen
	}
	buf := make([]byte, size)
	if err := m.PrepareTemplate(buf, e.cfg.SrcMAC, e.cfg.GwMAC, g, tc); err != nil {
		return fmt.Errorf("prepare template: %w", err)
	}

	for e.sending.IsSet() {
		tgt, ok := it.Next()
		if !ok {
			return nil
		}
		v := g.Cookies.Derive(e.cfg.SrcIP, tgt.IP, tgt.Port)
		for attempt := 0; attempt < g.PacketStreams; attempt++ {
			lim.Take()
			n, err := m.MakePacket(buf, probe.Target{
				SrcIP:   e.cfg.SrcIP,
				DstIP:   tgt.IP,
				DstPort: tgt.Port,
				TTL:     e.cfg.TTL,
				Attempt: attempt,
				IPID:    tc.IPID(),
			}, v, g, tc)
			if err != nil {
				return fmt.Errorf("make packet for %s: %w", tgt, err)
			}
			if err := w.WritePacketData(buf[:n]); err != nil {
				if e.stats.sendErrors.Add(1) == 1 {
					log.WithError(err).WithField("target", tgt.String()).Warn("Send failed")
				}
				continue
			}
			e.stats.sent.Add(1)
		}
		e.stats.targets.Add(1)
	}
	return nil
}

func (e *Engine) captureLoop() {
	l := e.cfg.Listener
	for e.capturing.IsSet() {
		data, ci, err := l.Handle.ReadPacket()
		if err != nil {
			if l.Offline && errors.Is(err, io.EOF) {
				return
			}
			if receiver.IsTimeout(err) {
				continue
			}
			log.WithError(err).Error("Capture failed, no further replies will be read")
			return
		}
		e.handle(data, ci)
	}
}

// handle runs one frame through validation and extraction. data is only
// valid for the duration of the call.
func (e *Engine) handle(data []byte, ci gopacket.CaptureInfo) {
	e.stats.received.Add(1)
	ip, ok := e.cfg.Listener.IPv4(data)
	if !ok {
		e.stats.unparsed.Add(1)
		return
	}
	verdict, match := e.cfg.Module.Validate(ip, e.cfg.Global)
	if verdict != probe.Valid {
		e.stats.invalid.Add(1)
		return
	}
	e.stats.valid.Add(1)

	fs := fieldset.New(len(e.schema))
	fs.AddString("saddr", packet.Uint32ToIP(match.SrcIP).String())
	fs.AddString("daddr", packet.Uint32ToIP(ip.Dst()).String())
	fs.AddUint64("ipid", uint64(ip.ID()))
	fs.AddUint64("ttl", uint64(ip.TTL()))
	e.cfg.Module.Extract(fs, ip, e.cfg.Global)
	fs.AddString("timestamp_str", ci.Timestamp.Format(TimestampLayout))

	if err := e.cfg.Sink.Write(fs); err != nil {
		if e.stats.outputErrors.Add(1) == 1 {
			log.WithError(err).Warn("Output write failed")
		}
	}
	if e.cfg.Dumper != nil {
		if err := e.cfg.Dumper.WritePacket(ci, data); err != nil {
			log.WithError(err).Debug("pcap dump failed")
		}
	}
}

func (e *Engine) logStatus(start time.Time, done <-chan struct{}) {
	t := time.NewTicker(e.cfg.StatusInterval)
	defer t.Stop()
	var total uint64
	if e.cfg.Targets != nil {
		total = e.cfg.Targets.Total()
	}
	for {
		select {
		case <-done:
			return
		case <-t.C:
			s := e.Stats()
			s.Elapsed = time.Since(start)
			fields := s.Fields()
			if total > 0 {
				fields["progress"] = fmt.Sprintf("%.1f%%", 100*float64(s.Targets)/float64(total))
			}
			log.WithFields(fields).Info("Scan status")
		}
	}
}

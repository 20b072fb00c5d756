package main

import (
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"

	"probescan/internal/config"
	"probescan/internal/engine"
	"probescan/internal/ui"
)

// viewEnabled reports whether the interactive view can own the terminal.
// Records on stdout would be drawn over, so they rule it out.
func viewEnabled(o config.OutputConfig) bool {
	if !o.TUI {
		return false
	}
	if o.Stdout || (o.File == "" && o.NATS.URL == "") {
		log.Warn("Interactive view disabled: records are going to stdout")
		return false
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		log.Warn("Interactive view disabled: stdout is not a terminal")
		return false
	}
	return true
}

// viewStats adapts engine counters for the status view.
func viewStats(e *engine.Engine, total uint64, start time.Time) ui.ScanStats {
	s := e.Stats()
	elapsed := time.Since(start)
	vs := ui.ScanStats{
		Sent:     s.Sent,
		Received: s.Received,
		Valid:    s.Valid,
		Invalid:  s.Invalid,
		Dropped:  s.Dropped,
		Elapsed:  elapsed,
	}
	if total > 0 {
		vs.Progress = float64(s.Targets) / float64(total)
	}
	if secs := elapsed.Seconds(); secs > 0 {
		vs.Rate = float64(s.Sent) / secs
	}
	return vs
}

// statusView runs the bubbletea program beside the engine. While it owns
// the terminal, logrus output is routed into it.
type statusView struct {
	p    *tea.Program
	done chan error

	out   io.Writer
	hooks log.LevelHooks
}

func newStatusView(s config.ScanConfig, module, iface string, stats ui.StatsFunc, cancel func()) *statusView {
	target := strings.Join(s.Targets.Include, ",")
	if s.Targets.File != "" {
		target = strings.TrimPrefix(target+","+s.Targets.File, ",")
	}
	m := ui.NewModel(module, target, s.Ports, iface, stats, cancel)
	return &statusView{
		p:    tea.NewProgram(m, tea.WithAltScreen()),
		done: make(chan error, 1),
	}
}

func (v *statusView) start() {
	std := log.StandardLogger()
	v.out = std.Out
	v.hooks = std.ReplaceHooks(make(log.LevelHooks))
	std.AddHook(ui.NewLogHook(v.p))
	std.SetOutput(io.Discard)

	go func() {
		_, err := v.p.Run()
		v.done <- err
	}()
}

// stop ends the program and hands the terminal back to logrus.
func (v *statusView) stop() {
	v.p.Send(ui.Done{})
	err := <-v.done

	std := log.StandardLogger()
	std.ReplaceHooks(v.hooks)
	std.SetOutput(v.out)
	if err != nil {
		log.WithError(err).Warn("Status view failed")
	}
}

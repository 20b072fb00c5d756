// Package ui is the interactive scan status view: progress, counters and a
// scrolling table of validated replies.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"
)

const (
	maxRows   = 1000
	maxInfo   = 3
	tickEvery = 500 * time.Millisecond
)

// StatsFunc returns the current engine counters.
type StatsFunc func() ScanStats

// Model is the bubbletea TUI model.
type Model struct {
	Module   string
	Target   string
	PortSpec string
	Iface    string

	statsFn StatsFunc
	cancel  func()

	rows      []Hit // newest last
	classes   map[string]uint64
	totalHits uint64
	successes uint64
	stats     ScanStats
	info      []Info

	width, height int
	offset        int // rows scrolled back from the newest
	follow        bool
	done          bool
	quitting      bool
}

// NewModel builds the view. cancel is called when the user quits so the
// scan stops with the UI.
func NewModel(module, target, portSpec, iface string, stats StatsFunc, cancel func()) Model {
	return Model{
		Module:   module,
		Target:   target,
		PortSpec: portSpec,
		Iface:    iface,
		statsFn:  stats,
		cancel:   cancel,
		rows:     make([]Hit, 0, 256),
		classes:  make(map[string]uint64, 4),
		follow:   true,
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.updateKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.clampOffset()

	case Hit:
		m.addHit(msg)

	case Info:
		m.info = append(m.info, msg)
		if len(m.info) > maxInfo {
			m.info = m.info[len(m.info)-maxInfo:]
		}

	case tickMsg:
		if m.statsFn != nil {
			m.stats = m.statsFn()
		}
		return m, tick()

	case Done:
		if m.statsFn != nil {
			m.stats = m.statsFn()
		}
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		if m.cancel != nil {
			m.cancel()
		}
		return m, tea.Quit
	case "up", "k":
		m.offset++
		m.follow = false
	case "down", "j":
		m.offset--
	case "pgup":
		m.offset += m.visibleRows()
		m.follow = false
	case "pgdown":
		m.offset -= m.visibleRows()
	case "end", "G":
		m.offset = 0
	}
	m.clampOffset()
	if m.offset == 0 {
		m.follow = true
	}
	return m, nil
}

func (m *Model) addHit(h Hit) {
	m.totalHits++
	if h.Success {
		m.successes++
	}
	m.classes[h.Classification]++

	if len(m.rows) == maxRows {
		copy(m.rows, m.rows[1:])
		m.rows = m.rows[:maxRows-1]
	}
	m.rows = append(m.rows, h)
	if !m.follow {
		// Keep the rows under the cursor in place.
		m.offset++
		m.clampOffset()
	}
}

func (m *Model) clampOffset() {
	limit := len(m.rows) - m.visibleRows()
	if m.offset > limit {
		m.offset = limit
	}
	if m.offset < 0 {
		m.offset = 0
	}
}

// visibleRows returns how many table rows fit on screen.
// Layout: header, progress, classes, info lines, column header, table, help.
func (m Model) visibleRows() int {
	if m.height == 0 {
		return 20
	}
	rows := m.height - (3 + len(m.info) + 1 + 1)
	if rows < 1 {
		rows = 1
	}
	return rows
}

// ── View ──────────────────────────────────────────────────────────────

func (m Model) View() string {
	if m.quitting || m.done {
		return ""
	}
	w := m.width
	if w < 40 {
		w = 80
	}

	var b strings.Builder
	m.renderHeader(&b)
	m.renderProgress(&b)
	m.renderClasses(&b)
	m.renderInfo(&b, w)
	m.renderTable(&b, w)
	b.WriteString(styleHelp.Render(" ↑/↓ scroll · pgup/pgdown page · G follow · q quit"))
	return b.String()
}

func (m Model) renderHeader(b *strings.Builder) {
	title := styleAccent.Render("probescan")
	meta := styleDim.Render(fmt.Sprintf(" %s · %s · %s · %s",
		m.Module, truncStr(m.Target, 30), truncStr(m.PortSpec, 20), m.Iface))
	b.WriteString(" " + title + meta + "\n")
}

func (m Model) renderProgress(b *strings.Builder) {
	const barW = 20
	filled := min(int(m.stats.Progress*barW), barW)
	bar := styleBar.Render(strings.Repeat("█", filled)) + styleBarTrail.Render(strings.Repeat("░", barW-filled))
	pct := fmt.Sprintf("%3.0f%%", m.stats.Progress*100)

	eta := ""
	switch {
	case m.stats.Progress >= 1:
		eta = " sent"
	case m.stats.Progress > 0.001 && m.stats.Rate > 0:
		rem := m.stats.Elapsed.Seconds() * (1 - m.stats.Progress) / m.stats.Progress
		if rem < 60 {
			eta = fmt.Sprintf(" ETA %0.0fs", rem)
		} else {
			eta = fmt.Sprintf(" ETA %dm%02ds", int(rem)/60, int(rem)%60)
		}
	}

	stats := fmt.Sprintf("  %s/s  Sent %s  Recv %s  Valid %s  Invalid %s  Drop %s",
		fmtCompact(uint64(m.stats.Rate)),
		fmtCompact(m.stats.Sent),
		fmtCompact(m.stats.Received),
		fmtCompact(m.stats.Valid),
		fmtCompact(m.stats.Invalid),
		fmtCompact(m.stats.Dropped))
	elapsed := m.stats.Elapsed.Truncate(time.Second).String()

	b.WriteString(fmt.Sprintf(" %s %s%s%s  %s\n", bar, pct, eta, styleDim.Render(stats), styleDim.Render(elapsed)))
}

func (m Model) renderClasses(b *strings.Builder) {
	names := make([]string, 0, len(m.classes))
	for name := range m.classes {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := []string{fmt.Sprintf("hits %s", fmtCompact(m.totalHits)), fmt.Sprintf("success %s", fmtCompact(m.successes))}
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s %s", name, fmtCompact(m.classes[name])))
	}
	b.WriteString(" " + styleDim.Render(strings.Join(parts, "  ")) + "\n")
}

func (m Model) renderInfo(b *strings.Builder, w int) {
	for _, in := range m.info {
		line := truncStr(in.Msg, w-2)
		switch {
		case in.Level <= log.ErrorLevel:
			line = styleErr.Render(line)
		case in.Level == log.WarnLevel:
			line = styleWarn.Render(line)
		default:
			line = styleDim.Render(line)
		}
		b.WriteString(" " + line + "\n")
	}
}

func (m Model) renderTable(b *strings.Builder, w int) {
	const addrW, portW, classW = 16, 6, 14
	detailW := max(w-addrW-portW-classW-5, 10)

	b.WriteString(styleColHeader.Render(fmt.Sprintf(" %s %s %s %s",
		padRight("ADDRESS", addrW), padRight("PORT", portW), padRight("CLASS", classW), "DETAIL")) + "\n")

	vis := m.visibleRows()
	end := len(m.rows) - m.offset
	start := max(end-vis, 0)
	for _, h := range m.rows[start:end] {
		port := ""
		if h.Port != 0 {
			port = fmt.Sprint(h.Port)
		}
		style := styleSuccess
		if !h.Success {
			style = styleICMP
		}
		b.WriteString(" " + style.Render(padRight(h.Addr, addrW)+" "+padRight(port, portW)+" "+padRight(h.Classification, classW)) +
			" " + styleDetail.Render(truncStr(h.Detail, detailW)) + "\n")
	}
	for i := end - start; i < vis; i++ {
		b.WriteString("\n")
	}
}

// ── Formatting helpers ────────────────────────────────────────────────

func fmtCompact(n uint64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 10_000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	if n < 1_000_000 {
		return fmt.Sprintf("%.0fk", float64(n)/1000)
	}
	if n < 10_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	return fmt.Sprintf("%.0fM", float64(n)/1_000_000)
}

func padRight(s string, w int) string {
	if len(s) >= w {
		return s[:w]
	}
	return s + strings.Repeat(" ", w-len(s))
}

func truncStr(s string, w int) string {
	if len(s) <= w {
		return s
	}
	if w < 2 {
		return s[:w]
	}
	return s[:w-1] + "…"
}

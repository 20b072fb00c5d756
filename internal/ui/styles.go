package ui

import "github.com/charmbracelet/lipgloss"

var (
	styleDim      = lipgloss.NewStyle().Faint(true)
	styleAccent   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true) // blue
	styleBar      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))            // green
	styleBarTrail = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))           // dark gray
	styleHelp     = lipgloss.NewStyle().Faint(true)
	styleWarn     = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	styleErr      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red

	styleColHeader = lipgloss.NewStyle().Bold(true).Faint(true)

	// Row states
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	styleICMP    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // dark gray
	styleDetail  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
)

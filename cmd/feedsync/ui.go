package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#E65100", Dark: "#FFB74D"}).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#616161", Dark: "#9E9E9E"})
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

// styled reports whether stdout is a terminal. Piped output stays plain.
func styled() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func render(style lipgloss.Style, s string) string {
	if !styled() {
		return s
	}
	return style.Render(s)
}

func renderPass(s string) string   { return render(passStyle, s) }
func renderWarn(s string) string   { return render(warnStyle, s) }
func renderFail(s string) string   { return render(failStyle, s) }
func renderAccent(s string) string { return render(accentStyle, s) }
func renderMuted(s string) string  { return render(mutedStyle, s) }
func renderTitle(s string) string  { return render(titleStyle, s) }

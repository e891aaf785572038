package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/flapmax/measure-remote/internal/provision"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
)

// printProvisionResult writes what ProvisionHost learned about host.
func printProvisionResult(w io.Writer, host string, res provision.Result, color bool) {
	style := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	status := style(okStyle, "ready")
	if !res.OK {
		status = style(failStyle, "not ready")
	}
	osName := string(res.OS)
	if osName == "" {
		osName = "unknown"
	}

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "  %s %s\n", style(labelStyle, "host     "), host)
	_, _ = fmt.Fprintf(w, "  %s %s\n", style(labelStyle, "status   "), status)
	_, _ = fmt.Fprintf(w, "  %s %s\n", style(labelStyle, "os       "), osName)
	if res.Hardware.Processor != "" {
		_, _ = fmt.Fprintf(w, "  %s %s\n", style(labelStyle, "processor"), res.Hardware.Processor)
	}
	if res.Hardware.Cores > 0 {
		_, _ = fmt.Fprintf(w, "  %s %d\n", style(labelStyle, "cores    "), res.Hardware.Cores)
	}
	if res.Hardware.RAMGB > 0 {
		_, _ = fmt.Fprintf(w, "  %s %.1f GB\n", style(labelStyle, "memory   "), res.Hardware.RAMGB)
	}
	_, _ = fmt.Fprintln(w)
}

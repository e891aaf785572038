// Package doctor checks whether a host is ready to run jobs: supported OS,
// container runtime, job image, open job port and non-interactive sudo.
package doctor

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/flapmax/measure-remote/internal/hostexec"
)

// CheckResult holds the outcome of a single doctor check.
type CheckResult struct {
	Name     string
	Category string // "os", "runtime", "image", "network", "privileges"
	Passed   bool
	Message  string
	FixCmd   string // empty if passed
}

// Target is what the host is expected to serve.
type Target struct {
	Image string
	Port  int
}

// RunAll executes all doctor checks and returns results.
func RunAll(ctx context.Context, run hostexec.RunFunc, target Target) []CheckResult {
	checks := allChecks()
	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		results = append(results, c.fn(ctx, run, target))
	}
	return results
}

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	hintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// PrintResults writes check results to w. Returns true if all checks passed.
func PrintResults(results []CheckResult, w io.Writer, color bool) bool {
	render := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	passed, failed := 0, 0
	for _, r := range results {
		if r.Passed {
			passed++
			_, _ = fmt.Fprintf(w, "  %s\n", render(passStyle, "v "+r.Message))
			continue
		}
		failed++
		_, _ = fmt.Fprintf(w, "  %s\n", render(failStyle, "x "+r.Message))
		if r.FixCmd != "" {
			_, _ = fmt.Fprintf(w, "     %s\n", render(hintStyle, "Fix: "+r.FixCmd))
		}
	}

	_, _ = fmt.Fprintln(w)
	if failed == 0 {
		_, _ = fmt.Fprintf(w, "  %d/%d passed\n", passed, passed+failed)
	} else {
		_, _ = fmt.Fprintf(w, "  %d/%d passed, %d failed\n", passed, passed+failed, failed)
	}
	return failed == 0
}

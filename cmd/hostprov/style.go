package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lyndonlyu/hostprov/internal/orchestrator"
	"github.com/lyndonlyu/hostprov/internal/session"
)

var (
	styleBanner  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleFatal   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleStatus  = map[string]lipgloss.Style{
		string(session.PhaseCompleted): styleSuccess,
		string(session.PhaseSkipped):   styleDim,
		string(session.PhaseFailed):    styleError,
		string(session.PhaseRunning):   styleWarn,
		string(session.PhasePending):   styleDim,
		string(session.RolledBack):     styleWarn,
	}
)

func renderStatus(status string) string {
	if s, ok := styleStatus[status]; ok {
		return s.Render("[" + status + "]")
	}
	return "[" + status + "]"
}

// printReport writes the user-facing summary of a run. Debug detail stays in
// the log.
func printReport(w io.Writer, rep *orchestrator.Report) {
	title := "hostprov run " + rep.SessionID
	if rep.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintln(w, styleBanner.Render(title))
	for _, p := range rep.Phases {
		line := fmt.Sprintf("  %-26s %s", p.Name, renderStatus(string(p.Status)))
		if p.Duration > 0 {
			line += styleDim.Render(" " + p.Duration.Round(time.Millisecond).String())
		}
		if p.Attempts > 1 {
			line += styleDim.Render(fmt.Sprintf(" attempts=%d", p.Attempts))
		}
		if p.Actions > 0 {
			line += styleDim.Render(fmt.Sprintf(" actions=%d", p.Actions))
		}
		fmt.Fprintln(w, line)
		for _, pv := range p.Preview {
			fmt.Fprintln(w, styleDim.Render("      "+pv))
		}
	}
	if rep.Rollback != nil {
		msg := fmt.Sprintf("Rollback: %d undone, %d failed", rep.Rollback.Executed, rep.Rollback.Failed)
		if rep.Rollback.Failed > 0 {
			fmt.Fprintln(w, styleError.Render(msg+" (ledger kept; run 'hostprov rollback' to retry)"))
		} else {
			fmt.Fprintln(w, styleWarn.Render(msg))
		}
	}
	if rep.Failure != nil {
		fmt.Fprintln(w, styleFatal.Render(rep.Failure.Line()))
	}
	if rep.Cancelled != nil {
		fmt.Fprintln(w, styleWarn.Render("Interrupted: "+rep.Cancelled.Error()))
	}
	verdict := fmt.Sprintf("%s (exit %d %s)", rep.Status, rep.ExitCode, rep.ExitCode)
	if rep.Succeeded() {
		fmt.Fprintln(w, styleSuccess.Render(verdict))
	} else {
		fmt.Fprintln(w, styleError.Render(verdict))
	}
}

// sessionMarkdown renders a session record as a markdown report.
func sessionMarkdown(s session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", s.SessionID)
	fmt.Fprintf(&b, "- **Status:** %s\n", s.Status)
	fmt.Fprintf(&b, "- **Started:** %s\n", s.StartTime.Format(time.RFC3339))
	if s.EndTime != nil {
		fmt.Fprintf(&b, "- **Ended:** %s (%s)\n", s.EndTime.Format(time.RFC3339), time.Duration(s.DurationSeconds)*time.Second)
	}
	if s.ErrorDetails != "" {
		fmt.Fprintf(&b, "- **Error:** %s\n", s.ErrorDetails)
	}
	b.WriteString("\n## Phases\n\n| Phase | Status | Attempts | Actions | Duration |\n|---|---|---|---|---|\n")
	for _, p := range s.Phases {
		dur := "-"
		if d := p.Duration(); d > 0 {
			dur = d.Round(time.Millisecond).String()
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %s |\n", p.PhaseName, p.Status, p.Attempts, len(p.Actions), dur)
	}
	for _, p := range s.Phases {
		if len(p.Actions) == 0 && p.Error == "" {
			continue
		}
		fmt.Fprintf(&b, "\n### %s\n\n", p.PhaseName)
		if p.Error != "" {
			fmt.Fprintf(&b, "Error: `%s`\n\n", p.Error)
		}
		for _, a := range p.Actions {
			fmt.Fprintf(&b, "- %s (undo: `%s`)\n", a.Action, a.Rollback)
		}
	}
	if len(s.Metadata) > 0 {
		b.WriteString("\n## Metadata\n\n")
		for _, k := range slices.Sorted(maps.Keys(s.Metadata)) {
			fmt.Fprintf(&b, "- %s: %s\n", k, s.Metadata[k])
		}
	}
	return b.String()
}

// renderMarkdown renders markdown text for terminal display.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimSpace(out)
}

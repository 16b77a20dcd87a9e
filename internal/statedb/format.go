package statedb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatSessionList renders sessions as a table with columns ID, STATUS,
// PHASES, STARTED and DURATION.
func FormatSessionList(rows []SessionRow) string {
	if len(rows) == 0 {
		return "No sessions recorded.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-12s %-7s %-22s %-10s\n", "ID", "STATUS", "PHASES", "STARTED", "DURATION")
	for _, r := range rows {
		dur := "-"
		if r.EndedAt != "" {
			dur = (time.Duration(r.DurationSeconds) * time.Second).String()
		}
		fmt.Fprintf(&b, "%-10s %-12s %-7d %-22s %-10s\n", shortID(r.ID), r.Status, r.PhaseCount, r.StartedAt, dur)
	}
	return b.String()
}

// FormatPhaseStats renders aggregated phase history.
func FormatPhaseStats(stats []PhaseStat) string {
	if len(stats) == 0 {
		return "No phase history.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-6s %-9s %-12s\n", "PHASE", "RUNS", "FAILURES", "AVG")
	for _, s := range stats {
		avg := time.Duration(s.AvgDurationMs * float64(time.Millisecond)).Round(time.Second)
		fmt.Fprintf(&b, "%-24s %-6d %-9d %-12s\n", s.Phase, s.Runs, s.Failures, avg)
	}
	return b.String()
}

// FormatSessionListJSON returns the rows as indented JSON.
func FormatSessionListJSON(rows []SessionRow) (string, error) {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("statedb: json marshal: %w", err)
	}
	return string(data), nil
}

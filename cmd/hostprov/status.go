package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/lyndonlyu/hostprov/internal/session"
	"github.com/lyndonlyu/hostprov/internal/statedb"
	"github.com/spf13/cobra"
)

var (
	statusJSON   bool
	statusReport bool
	historyLast  int
	historyJSON  bool
	historyStats bool
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show the latest or a given session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past sessions from the session index",
	Args:  cobra.NoArgs,
	RunE:  showHistory,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw session record")
	statusCmd.Flags().BoolVar(&statusReport, "report", false, "Render a markdown report")
	historyCmd.Flags().IntVar(&historyLast, "last", 10, "Number of recent sessions to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
	historyCmd.Flags().BoolVar(&historyStats, "stats", false, "Show per-phase statistics instead")
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEnv(cfg, true, false)
	if err != nil {
		return err
	}
	defer e.close()

	var sess session.Session
	if len(args) == 1 {
		sess, err = e.sessions.Read(args[0])
	} else if err = e.sessions.LoadLatest(); err == nil {
		sess, err = e.sessions.Current()
	}
	if errors.Is(err, session.ErrNotFound) {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}
	if err != nil {
		return exitcode.New(exitcode.ProvisioningFailed, err)
	}

	out := cmd.OutOrStdout()
	switch {
	case statusJSON:
		data, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	case statusReport:
		fmt.Fprintln(out, renderMarkdown(sessionMarkdown(sess)))
	default:
		printSession(cmd, sess)
		fmt.Fprintf(out, "\nLedger: %d pending entries\n", e.ledger.Count())
		if meta, err := e.lock.Holder(); err == nil {
			fmt.Fprintf(out, "Lock:   held by PID %d since %s\n", meta.PID, meta.AcquiredAt.Format(time.RFC3339))
		}
	}
	return nil
}

func printSession(cmd *cobra.Command, s session.Session) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, styleBanner.Render("Session "+s.SessionID))
	fmt.Fprintf(out, "Status:  %s\n", renderStatus(string(s.Status)))
	fmt.Fprintf(out, "Started: %s\n", s.StartTime.Format(time.RFC3339))
	if s.EndTime != nil {
		fmt.Fprintf(out, "Ended:   %s (%s)\n", s.EndTime.Format(time.RFC3339), time.Duration(s.DurationSeconds)*time.Second)
	}
	if s.ErrorDetails != "" {
		fmt.Fprintln(out, styleError.Render("Error:   "+s.ErrorDetails))
	}
	fmt.Fprintln(out)
	for _, p := range s.Phases {
		fmt.Fprintf(out, "  %-26s %s attempts=%d actions=%d\n", p.PhaseName, renderStatus(string(p.Status)), p.Attempts, len(p.Actions))
		if p.Error != "" {
			fmt.Fprintln(out, styleDim.Render("      "+p.Error))
		}
	}
}

func showHistory(cmd *cobra.Command, args []string) error {
	if historyLast < 1 {
		return exitcode.New(exitcode.ConfigError, fmt.Errorf("--last must be at least 1, got %d", historyLast))
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !fileExists(cfg.IndexPath()) {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded.")
		return nil
	}
	db, err := statedb.Open(cfg.IndexPath())
	if err != nil {
		return exitcode.New(exitcode.ProvisioningFailed, err)
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	if historyStats {
		stats, err := db.PhaseStats()
		if err != nil {
			return err
		}
		fmt.Fprint(out, statedb.FormatPhaseStats(stats))
		return nil
	}

	rows, err := db.ListSessions(historyLast)
	if err != nil {
		return err
	}
	if historyJSON {
		s, err := statedb.FormatSessionListJSON(rows)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
		return nil
	}
	fmt.Fprint(out, statedb.FormatSessionList(rows))
	return nil
}

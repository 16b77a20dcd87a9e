package main

import (
	"errors"
	"fmt"

	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/lyndonlyu/hostprov/internal/filelock"
	"github.com/lyndonlyu/hostprov/internal/killswitch"
	"github.com/lyndonlyu/hostprov/internal/ledger"
	"github.com/lyndonlyu/hostprov/internal/logging"
	"github.com/lyndonlyu/hostprov/internal/precheck"
	"github.com/lyndonlyu/hostprov/internal/statedb"
	"github.com/spf13/cobra"
)

var (
	doctorJSON   bool
	doctorNoRoot bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks and inspect local state",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Output preflight results as JSON")
	doctorCmd.Flags().BoolVar(&doctorNoRoot, "no-root", false, "Do not require root")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	res := precheck.DefaultRunner(cfg, !doctorNoRoot).Run()
	if doctorJSON {
		s, err := precheck.FormatRunResultJSON(res)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	} else {
		fmt.Fprint(out, precheck.FormatRunResult(res))
		fmt.Fprintln(out)
		doctorState(cmd, cfg.LedgerPath(), filelock.New(cfg.LockPath()), killswitch.New(cfg.AbortPath()))
		doctorIndex(cmd, cfg.IndexPath())
	}

	if res.AllPassed {
		return nil
	}
	err = fmt.Errorf("%d preflight check(s) failed", len(res.Failures()))
	if res.PermissionDenied() {
		return exitcode.New(exitcode.PermissionDenied, err)
	}
	return exitcode.New(exitcode.ValidationFailed, err)
}

// doctorState prints the ledger, lock and abort marker state. Problems here
// are reported but do not change the exit code.
func doctorState(cmd *cobra.Command, ledgerPath string, l *filelock.Lock, ks *killswitch.Watcher) {
	out := cmd.OutOrStdout()
	if !fileExists(ledgerPath) {
		fmt.Fprintln(out, "Ledger: empty")
	} else if lg, err := ledger.Open(ledgerPath, logging.WithComponent("ledger")); err != nil {
		fmt.Fprintln(out, styleError.Render("Ledger: "+err.Error()))
	} else if err := lg.VerifyChain(); err != nil {
		fmt.Fprintln(out, styleError.Render("Ledger: "+err.Error()))
	} else {
		fmt.Fprintf(out, "Ledger: %d pending entries, chain intact\n", lg.Count())
	}

	meta, err := l.Holder()
	switch {
	case errors.Is(err, filelock.ErrNotHeld):
		fmt.Fprintln(out, "Lock:   free")
	case err != nil:
		fmt.Fprintln(out, styleWarn.Render("Lock:   unreadable ("+err.Error()+")"))
	case l.IsStale():
		fmt.Fprintln(out, styleWarn.Render(fmt.Sprintf("Lock:   stale, PID %d is not running", meta.PID)))
	default:
		fmt.Fprintf(out, "Lock:   held by PID %d\n", meta.PID)
	}

	if ks.IsActive() {
		fmt.Fprintln(out, styleWarn.Render("Abort:  requested ("+ks.Reason()+")"))
	} else {
		fmt.Fprintln(out, "Abort:  none")
	}
}

// doctorIndex reports the session index schema. Opening the index applies
// pending migrations.
func doctorIndex(cmd *cobra.Command, path string) {
	out := cmd.OutOrStdout()
	if !fileExists(path) {
		fmt.Fprintln(out, "Index:  not created yet")
		return
	}
	db, err := statedb.Open(path)
	if err != nil {
		fmt.Fprintln(out, styleError.Render("Index:  "+err.Error()))
		return
	}
	defer db.Close()
	current, latest, err := db.SchemaVersion(cmd.Context())
	if err != nil {
		fmt.Fprintln(out, styleError.Render("Index:  "+err.Error()))
		return
	}
	fmt.Fprintf(out, "Index:  schema v%d/%d\n", current, latest)
}

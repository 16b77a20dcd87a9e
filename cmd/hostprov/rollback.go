package main

import (
	"fmt"
	"strings"

	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/lyndonlyu/hostprov/internal/logging"
	"github.com/lyndonlyu/hostprov/internal/rollback"
	"github.com/lyndonlyu/hostprov/internal/session"
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Undo every action recorded in the ledger",
	Long:  "Replay the ledger newest entry first. The ledger is cleared only when every step succeeds, so a partial rollback can be retried.",
	Args:  cobra.NoArgs,
	RunE:  runRollback,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the last rollback left the host clean",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

func runRollback(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e := newEnv(cfg)
	release, err := e.acquireLock(cmd.Context())
	if err != nil {
		return err
	}
	defer release()
	if err := e.open(false, false); err != nil {
		return err
	}
	defer e.close()
	out := cmd.OutOrStdout()

	if err := e.ledger.Reload(); err != nil {
		return stateErr(err)
	}

	if e.ledger.Count() == 0 {
		fmt.Fprintln(out, "Ledger is empty; nothing to roll back.")
		return nil
	}

	engine := rollback.New(e.ledger, e.interpreter(), logging.WithComponent("rollback"))
	failed, err := engine.Execute(cmd.Context())
	if err != nil {
		return exitcode.New(exitcode.RollbackFailed, err)
	}
	res := engine.LastResult()

	for _, name := range res.Phases {
		if err := e.checkpoints.Clear(name); err != nil {
			e.logger.Warn().Err(err).Str("phase", name).Msg("clearing checkpoint after rollback")
		}
	}
	markRolledBack(e, res)

	fmt.Fprintf(out, "Rollback: %d undone, %d failed\n", res.Executed, res.Failed)
	if len(res.Phases) > 0 {
		fmt.Fprintln(out, styleDim.Render("Phases: "+strings.Join(res.Phases, ", ")))
	}
	for _, f := range res.Failures {
		fmt.Fprintln(out, styleError.Render(fmt.Sprintf("  %s %s: %v", f.Phase, f.Action, f.Err)))
	}
	if failed > 0 {
		return exitcode.New(exitcode.RollbackFailed,
			fmt.Errorf("%d rollback step(s) failed; ledger kept for retry", failed))
	}
	fmt.Fprintln(out, styleSuccess.Render("Rollback complete."))
	return nil
}

// markRolledBack finalizes the latest session when it was left unfinished,
// as after a crash.
func markRolledBack(e *env, res rollback.Result) {
	if err := e.sessions.LoadLatest(); err != nil {
		return
	}
	sess, err := e.sessions.Current()
	if err != nil || sess.Status != session.InProgress {
		return
	}
	if len(res.Phases) > 0 {
		if err := e.sessions.SetMetadata("rolled_back_phases", strings.Join(res.Phases, ",")); err != nil {
			e.logger.Warn().Err(err).Msg("recording rolled back phases")
		}
	}
	if err := e.sessions.Finalize(session.RolledBack, "rolled back by operator"); err != nil {
		e.logger.Warn().Err(err).Str("session", sess.SessionID).Msg("finalizing session")
	}
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEnv(cfg, true, false)
	if err != nil {
		return err
	}
	defer e.close()

	engine := rollback.New(e.ledger, e.interpreter(), logging.WithComponent("rollback"))
	mismatches, err := engine.Verify(cmd.Context())
	if err != nil {
		return exitcode.New(exitcode.VerificationFailed, err)
	}
	out := cmd.OutOrStdout()
	if len(mismatches) == 0 {
		fmt.Fprintln(out, styleSuccess.Render("Verification passed."))
		return nil
	}
	for _, m := range mismatches {
		fmt.Fprintln(out, styleError.Render(fmt.Sprintf("  [%s] %s", m.Phase, m)))
	}
	return exitcode.New(exitcode.VerificationFailed,
		fmt.Errorf("%d rolled back action(s) did not verify", len(mismatches)))
}

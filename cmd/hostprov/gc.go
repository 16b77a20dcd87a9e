package main

import (
	"fmt"
	"time"

	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/lyndonlyu/hostprov/internal/gc"
	"github.com/lyndonlyu/hostprov/internal/logging"
	"github.com/spf13/cobra"
)

var (
	gcDryRun           bool
	gcKeepSessions     int
	gcCheckpointMaxAge time.Duration
	gcArchiveMaxAge    time.Duration
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove old sessions, ledger archives and checkpoints",
	Long:  "Apply the retention policy. Flags override the configured values; zero disables a rule. Unfinished sessions are never removed.",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func init() {
	f := gcCmd.Flags()
	f.BoolVar(&gcDryRun, "dry-run", false, "Report what would be removed")
	f.IntVar(&gcKeepSessions, "keep-sessions", -1, "Finished sessions to keep")
	f.DurationVar(&gcCheckpointMaxAge, "checkpoint-max-age", -1, "Remove checkpoints older than this")
	f.DurationVar(&gcArchiveMaxAge, "archive-max-age", -1, "Remove ledger archives older than this")
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	policy := gc.PolicyFrom(cfg.Retention)
	if cmd.Flags().Changed("keep-sessions") {
		policy.KeepSessions = gcKeepSessions
	}
	if cmd.Flags().Changed("checkpoint-max-age") {
		policy.CheckpointMaxAge = gcCheckpointMaxAge
	}
	if cmd.Flags().Changed("archive-max-age") {
		policy.ArchiveMaxAge = gcArchiveMaxAge
	}
	if policy.KeepSessions < 0 || policy.CheckpointMaxAge < 0 || policy.ArchiveMaxAge < 0 {
		return exitcode.New(exitcode.ConfigError, fmt.Errorf("retention values must not be negative"))
	}
	policy.DryRun = gcDryRun

	e := newEnv(cfg)
	if !gcDryRun {
		release, err := e.acquireLock(cmd.Context())
		if err != nil {
			return err
		}
		defer release()
	}
	if err := e.open(gcDryRun, false); err != nil {
		return err
	}
	defer e.close()

	t := gc.Targets{
		Checkpoints: e.checkpoints,
		Sessions:    e.sessions,
		ArchiveDir:  cfg.ArchiveDir(),
	}
	if e.index != nil {
		t.Index = e.index
	}
	res, err := gc.New(policy, logging.WithComponent("gc")).Run(cmd.Context(), t)
	if err != nil {
		return stateErr(err)
	}

	verb := "Removed"
	if gcDryRun {
		verb = "Would remove"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d session(s), %d archive(s), %d checkpoint(s); %d bytes\n",
		verb, res.SessionsRemoved, res.ArchivesRemoved, res.CheckpointsRemoved, res.BytesFreed)
	return nil
}

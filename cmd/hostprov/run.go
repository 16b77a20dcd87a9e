package main

import (
	"context"
	"fmt"

	"github.com/lyndonlyu/hostprov/internal/config"
	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/lyndonlyu/hostprov/internal/gc"
	"github.com/lyndonlyu/hostprov/internal/logging"
	"github.com/lyndonlyu/hostprov/internal/metrics"
	"github.com/lyndonlyu/hostprov/internal/orchestrator"
	"github.com/lyndonlyu/hostprov/internal/phase"
	"github.com/lyndonlyu/hostprov/internal/precheck"
	"github.com/lyndonlyu/hostprov/internal/retry"
	"github.com/spf13/cobra"
)

var (
	runSkip       []string
	runOnly       []string
	runPhases     []string
	runForce      bool
	runDryRun     bool
	runResume     bool
	runNoPrecheck bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured phases",
	Long:  "Acquire the host lock, run every phase that has no checkpoint yet and roll the ledger back if a phase fails or the run is interrupted.",
	Args:  cobra.NoArgs,
	RunE:  runProvision,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear an abort request and continue the latest session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runResume = true
		return runProvision(cmd, args)
	},
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSliceVar(&runSkip, "skip-phase", nil, "Phases to skip (repeatable)")
	f.StringSliceVar(&runOnly, "only-phase", nil, "Run only these phases (repeatable)")
	f.StringSliceVar(&runPhases, "phases", nil, "Override the configured phase order")
	f.BoolVar(&runForce, "force", false, "Clear all checkpoints and re-provision")
	f.BoolVar(&runDryRun, "dry-run", false, "Show which phases would run without running them")
	f.BoolVar(&runNoPrecheck, "no-precheck", false, "Skip the preflight checks")
}

func init() {
	addRunFlags(runCmd)
	addRunFlags(resumeCmd)
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Continue the latest unfinished session")
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Phases) == 0 {
		return exitcode.New(exitcode.ConfigError, fmt.Errorf("no phases configured in %s", flagConfig))
	}

	e := newEnv(cfg)
	if !runDryRun {
		release, err := e.acquireLock(cmd.Context())
		if err != nil {
			return err
		}
		defer release()
	}
	if err := e.open(false, runDryRun); err != nil {
		return err
	}
	defer e.close()
	log := e.logger

	if runResume && e.killswitch.IsActive() {
		if err := e.killswitch.Clear(); err != nil {
			return stateErr(fmt.Errorf("clear abort marker: %w", err))
		}
		fmt.Fprintln(cmd.OutOrStdout(), styleDim.Render("Abort marker cleared."))
	}
	if e.killswitch.IsActive() {
		return exitcode.New(exitcode.ProvisioningFailed,
			fmt.Errorf("abort requested at %s (%s); use 'hostprov resume' or 'hostprov abort --clear'", e.killswitch.Path(), e.killswitch.Reason()))
	}

	if !runNoPrecheck && !runDryRun {
		if err := preflight(cmd, cfg); err != nil {
			return err
		}
	}

	reg, err := phase.FromConfig(cfg, e.commandRunner)
	if err != nil {
		return exitcode.New(exitcode.ConfigError, err)
	}

	m := metrics.New()
	orch := orchestrator.New(orchestrator.Deps{
		Config:      cfg,
		Registry:    reg,
		Applier:     e.interpreter(),
		Lock:        e.lock,
		Checkpoints: e.checkpoints,
		Ledger:      e.ledger,
		Sessions:    e.sessions,
		Classifier:  retry.NewRuleClassifier(retry.DefaultRules),
		Metrics:     m,
		Logger:      logging.WithComponent("orchestrator"),
	})

	ctx, stop := e.killswitch.Watch(cmd.Context())
	defer stop()

	rep := orch.Run(ctx, orchestrator.Options{
		Phases: runPhases,
		Skip:   runSkip,
		Only:   runOnly,
		Force:  runForce,
		Resume: runResume,
		DryRun: runDryRun,
	})
	printReport(cmd.OutOrStdout(), rep)

	if !runDryRun && rep.Err == nil {
		retain(context.WithoutCancel(ctx), e)
	}
	if rep.Err != nil {
		log.Debug().Err(rep.Err).Msg("run aborted")
	}
	return rep.AsError()
}

// preflight runs the environment checks. Permission problems exit with
// PERMISSION_DENIED, anything else with VALIDATION_FAILED.
func preflight(cmd *cobra.Command, cfg *config.Config) error {
	res := precheck.DefaultRunner(cfg, true).Run()
	if res.AllPassed {
		for _, r := range res.Results {
			if r.Warning {
				fmt.Fprintln(cmd.ErrOrStderr(), styleWarn.Render("preflight: "+r.Name+": "+r.Message))
			}
		}
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), precheck.FormatRunResult(res))
	failed := res.Failures()
	err := fmt.Errorf("preflight failed: %s: %s", failed[0].Name, failed[0].Message)
	if res.PermissionDenied() {
		return exitcode.New(exitcode.PermissionDenied, err)
	}
	return exitcode.New(exitcode.ValidationFailed, err)
}

// retain applies the configured retention after a run. Failures are logged
// only; they never change the run's outcome.
func retain(ctx context.Context, e *env) {
	c := gc.New(gc.PolicyFrom(e.cfg.Retention), logging.WithComponent("gc"))
	t := gc.Targets{
		Checkpoints: e.checkpoints,
		Sessions:    e.sessions,
		ArchiveDir:  e.cfg.ArchiveDir(),
	}
	if e.index != nil {
		t.Index = e.index
	}
	if _, err := c.Run(ctx, t); err != nil {
		e.logger.Warn().Err(err).Msg("retention pass failed")
	}
}

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/lyndonlyu/hostprov/internal/filelock"
	"github.com/lyndonlyu/hostprov/internal/logging"
	"github.com/spf13/cobra"
)

var lockForce bool

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or release the host lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l := filelock.New(cfg.LockPath())
		out := cmd.OutOrStdout()
		meta, err := l.Holder()
		switch {
		case errors.Is(err, filelock.ErrNotHeld):
			fmt.Fprintln(out, "Lock is free.")
			return nil
		case err != nil:
			fmt.Fprintln(out, styleWarn.Render("Lock file is unreadable: "+err.Error()))
			return nil
		}
		fmt.Fprintf(out, "Held by PID %d since %s (%s ago)\n", meta.PID,
			meta.AcquiredAt.Format(time.RFC3339), time.Since(meta.AcquiredAt).Round(time.Second))
		if l.IsStale() {
			fmt.Fprintln(out, styleWarn.Render("Holder is not running; the next run reclaims the lock."))
		}
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Remove a stale lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l := filelock.New(cfg.LockPath(), filelock.WithLogger(logging.WithComponent("lock")))
		meta, err := l.Holder()
		if errors.Is(err, filelock.ErrNotHeld) {
			fmt.Fprintln(cmd.OutOrStdout(), "Lock is free.")
			return nil
		}
		if err == nil && !lockForce && !l.IsStale() {
			return exitcode.New(exitcode.ProvisioningFailed,
				fmt.Errorf("lock held by live PID %d; pass --force to remove it anyway", meta.PID))
		}
		if err := l.ForceRelease(); err != nil {
			return stateErr(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), styleSuccess.Render("Lock released."))
		return nil
	},
}

func init() {
	lockReleaseCmd.Flags().BoolVar(&lockForce, "force", false, "Remove the lock even if its holder is alive")
	lockCmd.AddCommand(lockStatusCmd, lockReleaseCmd)
}

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/lyndonlyu/hostprov/internal/checkpoint"
	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/spf13/cobra"
)

var checkpointClearAll bool

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or clear phase checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List completed phases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := checkpoint.NewStore(cfg.CheckpointDir())
		if err != nil {
			return stateErr(err)
		}
		names, err := store.List()
		if err != nil {
			return stateErr(err)
		}
		out := cmd.OutOrStdout()
		if len(names) == 0 {
			fmt.Fprintln(out, "No checkpoints.")
			return nil
		}
		for _, n := range names {
			cp, err := store.Get(n)
			if err != nil {
				fmt.Fprintf(out, "  %-26s %s\n", n, styleError.Render("invalid: "+err.Error()))
				continue
			}
			fmt.Fprintf(out, "  %-26s %s %s\n", n, cp.CreatedAt.Format(time.RFC3339), styleDim.Render(cp.User+"@"+cp.Host))
		}
		return nil
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear [phase...]",
	Short: "Clear checkpoints so the phases run again",
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkpointClearAll == (len(args) > 0) {
			return exitcode.New(exitcode.ConfigError, errors.New("name phases to clear or pass --all"))
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := checkpoint.NewStore(cfg.CheckpointDir())
		if err != nil {
			return stateErr(err)
		}
		out := cmd.OutOrStdout()
		if checkpointClearAll {
			n, err := store.ClearAll()
			if err != nil {
				return stateErr(err)
			}
			fmt.Fprintf(out, "Cleared %d checkpoint(s).\n", n)
			return nil
		}
		for _, name := range args {
			if err := store.Clear(name); err != nil {
				if errors.Is(err, checkpoint.ErrInvalidName) {
					return exitcode.New(exitcode.ConfigError, err)
				}
				return stateErr(err)
			}
			fmt.Fprintf(out, "Cleared %s.\n", name)
		}
		return nil
	},
}

func init() {
	checkpointClearCmd.Flags().BoolVar(&checkpointClearAll, "all", false, "Clear every checkpoint")
	checkpointCmd.AddCommand(checkpointListCmd, checkpointClearCmd)
}

package main

import (
	"fmt"
	"strings"

	"github.com/lyndonlyu/hostprov/internal/killswitch"
	"github.com/spf13/cobra"
)

var abortClear bool

var abortCmd = &cobra.Command{
	Use:   "abort [reason]",
	Short: "Ask a running provisioning to stop and roll back",
	Long:  "Write the abort marker. A running hostprov notices it within a second, stops starting new work and rolls back. New runs refuse to start until the marker is cleared.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w := killswitch.New(cfg.AbortPath())
		out := cmd.OutOrStdout()
		if abortClear {
			if err := w.Clear(); err != nil {
				return stateErr(err)
			}
			fmt.Fprintln(out, "Abort marker cleared.")
			return nil
		}
		reason := strings.Join(args, " ")
		if reason == "" {
			reason = "operator request"
		}
		if err := w.Activate(reason); err != nil {
			return stateErr(err)
		}
		fmt.Fprintln(out, styleWarn.Render("Abort requested: "+reason))
		return nil
	},
}

func init() {
	abortCmd.Flags().BoolVar(&abortClear, "clear", false, "Remove the abort marker")
}

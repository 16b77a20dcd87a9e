package main

import (
	"fmt"
	"os"

	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "v0.1.0"

var rootCmd = &cobra.Command{
	Use:           "hostprov",
	Short:         "Provision a host exactly once, with rollback",
	Long:          "hostprov runs the configured installation phases under a host-wide lock, records every side effect in a ledger and undoes them in reverse order when a phase fails.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hostprov %s\n", version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", defaultConfigPath, "Path to the configuration file")
	pf.StringVar(&flagStateDir, "state-dir", "", "Override the state directory")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&flagLogJSON, "log-json", false, "Emit JSON logs on stderr")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return exitcode.New(exitcode.ConfigError, err)
	})

	rootCmd.AddCommand(
		versionCmd,
		runCmd,
		resumeCmd,
		statusCmd,
		historyCmd,
		rollbackCmd,
		verifyCmd,
		checkpointCmd,
		lockCmd,
		abortCmd,
		doctorCmd,
		gcCmd,
	)
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render("Error: "+err.Error()))
	}
	os.Exit(int(exitcode.From(err)))
}

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/lyndonlyu/hostprov/internal/orchestrator"
	"github.com/lyndonlyu/hostprov/internal/retry"
	"github.com/lyndonlyu/hostprov/internal/rollback"
	"github.com/lyndonlyu/hostprov/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `phases:
  - name: base
    steps:
      - name: touch
        run: ["true"]
  - name: extras
    steps:
      - name: touch
        run: ["true"]
retry:
  max_retries: 0
`

// execute runs the root command with fresh flag state and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	runSkip, runOnly, runPhases = nil, nil, nil
	runForce, runDryRun, runResume, runNoPrecheck = false, false, false, false
	checkpointClearAll = false
	flagStateDir, flagLogLevel, flagLogJSON = "", "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) (cfgPath, stateDir string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0644))
	return cfgPath, filepath.Join(dir, "state")
}

func TestLoadConfigAppliesFlagOverrides(t *testing.T) {
	cfgPath, stateDir := writeConfig(t, testConfig)
	flagConfig, flagStateDir, flagLogLevel = cfgPath, stateDir, "debug"
	defer func() { flagStateDir, flagLogLevel = "", "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, stateDir, cfg.StateDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"base", "extras"}, cfg.PhaseNames())
}

func TestLoadConfigRejectsRelativeStateDir(t *testing.T) {
	cfgPath, _ := writeConfig(t, testConfig)
	flagConfig, flagStateDir = cfgPath, "relative/state"
	defer func() { flagStateDir = "" }()

	_, err := loadConfig()
	require.Error(t, err)
	assert.Equal(t, exitcode.ConfigError, exitcode.From(err))
}

func TestRunRejectsConflictingFilters(t *testing.T) {
	cfgPath, stateDir := writeConfig(t, testConfig)
	_, err := execute(t, "run", "-c", cfgPath, "--state-dir", stateDir, "--no-precheck",
		"--skip-phase", "base", "--only-phase", "extras")
	require.Error(t, err)
	assert.Equal(t, exitcode.ConfigError, exitcode.From(err))
}

func TestRunWithoutPhasesIsConfigError(t *testing.T) {
	cfgPath, stateDir := writeConfig(t, "max_workers: 2\n")
	_, err := execute(t, "run", "-c", cfgPath, "--state-dir", stateDir, "--no-precheck")
	require.Error(t, err)
	assert.Equal(t, exitcode.ConfigError, exitcode.From(err))
}

func TestRunThenCheckpointList(t *testing.T) {
	cfgPath, stateDir := writeConfig(t, testConfig)
	out, err := execute(t, "run", "-c", cfgPath, "--state-dir", stateDir, "--no-precheck")
	require.NoError(t, err, out)
	assert.Contains(t, out, "COMPLETED")

	out, err = execute(t, "checkpoint", "list", "-c", cfgPath, "--state-dir", stateDir)
	require.NoError(t, err)
	assert.Contains(t, out, "base")
	assert.Contains(t, out, "extras")

	out, err = execute(t, "checkpoint", "clear", "--all", "-c", cfgPath, "--state-dir", stateDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 2 checkpoint(s).")
}

func TestCheckpointClearNeedsTarget(t *testing.T) {
	cfgPath, stateDir := writeConfig(t, testConfig)
	_, err := execute(t, "checkpoint", "clear", "-c", cfgPath, "--state-dir", stateDir)
	require.Error(t, err)
	assert.Equal(t, exitcode.ConfigError, exitcode.From(err))
}

func TestRunRefusesWhileAbortRequested(t *testing.T) {
	cfgPath, stateDir := writeConfig(t, testConfig)
	_, err := execute(t, "abort", "maintenance", "-c", cfgPath, "--state-dir", stateDir)
	require.NoError(t, err)

	_, err = execute(t, "run", "-c", cfgPath, "--state-dir", stateDir, "--no-precheck")
	require.Error(t, err)
	assert.Equal(t, exitcode.ProvisioningFailed, exitcode.From(err))
	assert.Contains(t, err.Error(), "maintenance")
}

func TestSessionMarkdown(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	s := session.Session{
		SessionID:       "abc",
		StartTime:       start,
		EndTime:         &end,
		DurationSeconds: 90,
		Status:          session.Failed,
		ErrorDetails:    "phase extras failed",
		Phases: []session.PhaseExecution{
			{PhaseName: "base", Status: session.PhaseCompleted, Attempts: 1},
			{
				PhaseName: "extras", Status: session.PhaseFailed, Attempts: 2, Error: "exit status 1",
				Actions: []session.ActionRef{{TransactionID: "t1", Action: "install vim", Rollback: "uninstall_package vim"}},
			},
		},
		Metadata: map[string]string{"resumed": "true", "host": "web1"},
	}
	md := sessionMarkdown(s)
	assert.Contains(t, md, "# Session abc")
	assert.Contains(t, md, "| extras | FAILED | 2 | 1 | - |")
	assert.Contains(t, md, "Error: `exit status 1`")
	assert.Contains(t, md, "- install vim (undo: `uninstall_package vim`)")
	assert.Less(t, bytes.Index([]byte(md), []byte("- host")), bytes.Index([]byte(md), []byte("- resumed")))
}

func TestPrintReport(t *testing.T) {
	rep := &orchestrator.Report{
		SessionID: "s1",
		Status:    session.RolledBack,
		ExitCode:  exitcode.ProvisioningFailed,
		Phases: []orchestrator.PhaseOutcome{
			{Name: "base", Status: session.PhaseCompleted, Actions: 2},
			{Name: "extras", Status: session.PhaseFailed, Attempts: 3},
		},
		Failure: &orchestrator.Failure{
			Phase:    "extras",
			Kind:     retry.Network,
			Severity: retry.Fatal,
			Err:      errors.New("connection refused"),
		},
		Rollback: &rollback.Result{Executed: 2, Failed: 1},
	}
	var buf bytes.Buffer
	printReport(&buf, rep)
	out := buf.String()
	assert.Contains(t, out, "hostprov run s1")
	assert.Contains(t, out, "attempts=3")
	assert.Contains(t, out, "Rollback: 2 undone, 1 failed")
	assert.Contains(t, out, "phase extras failed")
	assert.Contains(t, out, "exit 2")
}

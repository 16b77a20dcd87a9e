package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lyndonlyu/hostprov/internal/action"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv(StateDirEnv, "")
	cfg := Default()

	assert.Equal(t, DefaultStateDir, cfg.StateDir)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, []int{141}, cfg.Retry.Whitelist)
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, 3, cfg.MaxWorkers)
	assert.Equal(t, "debian", cfg.Precheck.OSID)
	assert.Equal(t, []string{"13"}, cfg.Precheck.OSVersions)
	assert.Equal(t, int64(2048), cfg.Precheck.MinMemoryMB)
	assert.True(t, cfg.Precheck.RepoCheck)
	require.NoError(t, cfg.Validate())
}

func TestStateDirFromEnv(t *testing.T) {
	t.Setenv(StateDirEnv, "/srv/hostprov")
	assert.Equal(t, "/srv/hostprov", Default().StateDir)
	assert.Equal(t, "/srv/hostprov/ledger.jsonl", Default().LedgerPath())
}

const sample = `
state_dir: /opt/prov
max_workers: 2
parallel_group: [editor-vscode, editor-zed]
retry:
  max_retries: 5
  initial_delay: 500ms
breaker:
  reset_after: 2m
phases:
  - name: system-prep
    steps:
      - name: install curl
        run: [apt-get, install, -y, curl]
        rollback: {type: uninstall_package, name: curl}
      - name: refresh cache
        run: [apt-get, update]
    validate:
      - [dpkg, -s, curl]
  - name: editor-vscode
    steps:
      - name: install code
        run: [snap, install, code, --classic]
        rollback: {type: run_command, argv: [snap, remove, code]}
  - name: editor-zed
`

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv(StateDirEnv, "")
	path := filepath.Join(t.TempDir(), "hostprov.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/opt/prov", cfg.StateDir)
	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.ResetAfter)
	// Defaults preserved for unset fields
	assert.Equal(t, time.Minute, cfg.Retry.MaxDelay)
	assert.Equal(t, 5, cfg.Breaker.Threshold)

	assert.Equal(t, []string{"system-prep", "editor-vscode", "editor-zed"}, cfg.PhaseNames())
	p, ok := cfg.Phase("system-prep")
	require.True(t, ok)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, action.NewUninstallPackage("curl"), p.Steps[0].Rollback)
	assert.True(t, p.Steps[1].Rollback.IsZero())
	assert.Equal(t, [][]string{{"dpkg", "-s", "curl"}}, p.Validate)
}

func TestLoadConfigFileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/hostprov.yaml")
	require.NoError(t, err, "missing config file should return defaults, not error")
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("phases: [\n"), 0644))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "relative/dir"
	cfg.MaxWorkers = 0
	cfg.Phases = []PhaseConfig{
		{Name: "ok"},
		{Name: "ok"},
		{Name: "../escape"},
		{Name: "bad-step", Steps: []StepConfig{{Name: "x", Rollback: action.Action{Type: "format_disk"}}}},
	}
	cfg.ParallelGroup = []string{"ghost"}
	cfg.Precheck.MinMemoryMB = -1
	cfg.Precheck.RepoTimeout = -time.Second

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{"state_dir", "max_workers", "duplicate", "invalid name", "run is empty", "unknown type", "ghost", "precheck minimums", "repo_timeout"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestEnsureDirs(t *testing.T) {
	cfg := Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	require.NoError(t, cfg.EnsureDirs())
	for _, d := range []string{cfg.CheckpointDir(), cfg.SessionDir(), cfg.ArchiveDir(), cfg.LogDir()} {
		assert.DirExists(t, d)
	}
}

func TestRedactionSectionMergesOverDefaults(t *testing.T) {
	t.Setenv(StateDirEnv, "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redaction:\n  ips: private\n  patterns: ['tenant-[0-9]+']\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Redaction.Enabled)
	assert.Equal(t, "private", cfg.Redaction.IPs)
	require.NoError(t, cfg.Validate())

	cfg.Redaction.Patterns = []string{"("}
	assert.ErrorContains(t, cfg.Validate(), "redaction")
}

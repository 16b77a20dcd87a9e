// Package config loads the hostprov YAML configuration: the ordered phase
// list, the optional parallel group, retry and breaker tuning, timeouts and
// the state directory layout.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lyndonlyu/hostprov/internal/action"
	"github.com/lyndonlyu/hostprov/internal/checkpoint"
	"github.com/lyndonlyu/hostprov/internal/redact"
	"gopkg.in/yaml.v3"
)

// DefaultStateDir is used when neither state_dir nor HOSTPROV_STATE_DIR is set.
const DefaultStateDir = "/var/lib/hostprov"

// StateDirEnv overrides the state directory.
const StateDirEnv = "HOSTPROV_STATE_DIR"

var ErrInvalid = errors.New("config: invalid")

// StepConfig is one side effect of a command-driven phase.
type StepConfig struct {
	Name     string        `yaml:"name"`
	Run      []string      `yaml:"run"`
	Rollback action.Action `yaml:"rollback"`
	Preview  string        `yaml:"preview"`
}

// PhaseConfig describes one phase.
type PhaseConfig struct {
	Name     string            `yaml:"name"`
	Steps    []StepConfig      `yaml:"steps"`
	Validate [][]string        `yaml:"validate"`
	Env      map[string]string `yaml:"env"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Whitelist    []int         `yaml:"whitelist_exit_codes"`
}

type BreakerConfig struct {
	Threshold  int           `yaml:"threshold"`
	ResetAfter time.Duration `yaml:"reset_after"`
}

type TimeoutConfig struct {
	Command  time.Duration `yaml:"command"`
	Idle     time.Duration `yaml:"idle"`
	LockWait time.Duration `yaml:"lock_wait"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type PrecheckConfig struct {
	MinFreeMB        int64    `yaml:"min_free_mb"`
	RequiredBinaries []string `yaml:"required_binaries"`
	DpkgLockCheck    bool     `yaml:"dpkg_lock_check"`
	// OSID is the required os-release ID; empty disables the OS check.
	OSID        string   `yaml:"os_id"`
	OSVersions  []string `yaml:"os_versions"`
	MinMemoryMB int64    `yaml:"min_memory_mb"`
	MinCPUs     int      `yaml:"min_cpus"`
	// RepoCheck probes the package repositories. Repos overrides the list
	// read from apt-cache.
	RepoCheck   bool          `yaml:"repo_check"`
	Repos       []string      `yaml:"repos"`
	RepoTimeout time.Duration `yaml:"repo_timeout"`
}

type RetentionConfig struct {
	CheckpointMaxAge time.Duration `yaml:"checkpoint_max_age"`
	KeepSessions     int           `yaml:"keep_sessions"`
	ArchiveMaxAge    time.Duration `yaml:"archive_max_age"`
}

type MetricsConfig struct {
	TextfileDir string `yaml:"textfile_dir"`
}

type Config struct {
	StateDir      string          `yaml:"state_dir"`
	Phases        []PhaseConfig   `yaml:"phases"`
	ParallelGroup []string        `yaml:"parallel_group"`
	MaxWorkers    int             `yaml:"max_workers"`
	Retry         RetryConfig     `yaml:"retry"`
	Breaker       BreakerConfig   `yaml:"breaker"`
	Timeouts      TimeoutConfig   `yaml:"timeouts"`
	Logging       LoggingConfig   `yaml:"logging"`
	Commands      action.Commands `yaml:"commands"`
	Precheck      PrecheckConfig  `yaml:"precheck"`
	Retention     RetentionConfig `yaml:"retention"`
	Metrics       MetricsConfig   `yaml:"metrics"`
	Redaction     redact.Config   `yaml:"redaction"`
}

func Default() *Config {
	cfg := &Config{
		StateDir:   DefaultStateDir,
		MaxWorkers: 3,
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     time.Minute,
			Whitelist:    []int{141},
		},
		Breaker: BreakerConfig{
			Threshold:  5,
			ResetAfter: time.Minute,
		},
		Timeouts: TimeoutConfig{
			Command:  30 * time.Minute,
			Idle:     10 * time.Minute,
			LockWait: 0,
		},
		Logging:  LoggingConfig{Level: "info"},
		Commands: action.DefaultCommands(),
		Precheck: PrecheckConfig{
			MinFreeMB:     2048,
			DpkgLockCheck: true,
			OSID:          "debian",
			OSVersions:    []string{"13"},
			MinMemoryMB:   2048,
			MinCPUs:       1,
			RepoCheck:     true,
			RepoTimeout:   10 * time.Second,
		},
		Retention: RetentionConfig{
			CheckpointMaxAge: 0,
			KeepSessions:     50,
			ArchiveMaxAge:    90 * 24 * time.Hour,
		},
		Redaction: redact.DefaultConfig(),
	}
	if dir := os.Getenv(StateDirEnv); dir != "" {
		cfg.StateDir = dir
	}
	return cfg
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	// Ensure defaults for zero values
	d := Default()
	if cfg.StateDir == "" {
		cfg.StateDir = d.StateDir
	}
	if dir := os.Getenv(StateDirEnv); dir != "" {
		cfg.StateDir = dir
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = d.MaxWorkers
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = d.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if cfg.Retry.Whitelist == nil {
		cfg.Retry.Whitelist = d.Retry.Whitelist
	}
	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker.Threshold = d.Breaker.Threshold
	}
	if cfg.Breaker.ResetAfter == 0 {
		cfg.Breaker.ResetAfter = d.Breaker.ResetAfter
	}
	if cfg.Timeouts.Command == 0 {
		cfg.Timeouts.Command = d.Timeouts.Command
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}

	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.StateDir == "" || !filepath.IsAbs(c.StateDir) {
		add("state_dir %q must be an absolute path", c.StateDir)
	}
	if c.MaxWorkers < 1 {
		add("max_workers must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries must not be negative")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		add("retry delays must not be negative")
	}
	if c.Breaker.Threshold < 1 {
		add("breaker.threshold must be at least 1")
	}
	if c.Timeouts.Command < 0 || c.Timeouts.Idle < 0 || c.Timeouts.LockWait < 0 {
		add("timeouts must not be negative")
	}
	if c.Precheck.MinFreeMB < 0 || c.Precheck.MinMemoryMB < 0 || c.Precheck.MinCPUs < 0 {
		add("precheck minimums must not be negative")
	}
	if c.Precheck.RepoTimeout < 0 {
		add("precheck.repo_timeout must not be negative")
	}
	if err := c.Redaction.Validate(); err != nil {
		add("redaction: %v", err)
	}

	seen := make(map[string]bool)
	for i, p := range c.Phases {
		if !checkpoint.ValidName(p.Name) {
			add("phases[%d]: invalid name %q", i, p.Name)
			continue
		}
		if seen[p.Name] {
			add("phases[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		for j, s := range p.Steps {
			if len(s.Run) == 0 || s.Run[0] == "" {
				add("phase %s step %d: run is empty", p.Name, j)
			}
			if !s.Rollback.IsZero() {
				if err := s.Rollback.Validate(); err != nil {
					add("phase %s step %d: %v", p.Name, j, err)
				}
			}
		}
		for j, v := range p.Validate {
			if len(v) == 0 || v[0] == "" {
				add("phase %s validate %d: command is empty", p.Name, j)
			}
		}
	}

	inGroup := make(map[string]bool)
	for _, name := range c.ParallelGroup {
		if !seen[name] {
			add("parallel_group: unknown phase %q", name)
		}
		if inGroup[name] {
			add("parallel_group: %q listed twice", name)
		}
		inGroup[name] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// PhaseNames returns the configured phase order.
func (c *Config) PhaseNames() []string {
	names := make([]string, len(c.Phases))
	for i, p := range c.Phases {
		names[i] = p.Name
	}
	return names
}

// Phase returns the named phase definition.
func (c *Config) Phase(name string) (PhaseConfig, bool) {
	for _, p := range c.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseConfig{}, false
}

func (c *Config) CheckpointDir() string { return filepath.Join(c.StateDir, "checkpoints") }
func (c *Config) SessionDir() string    { return filepath.Join(c.StateDir, "sessions") }
func (c *Config) LedgerPath() string    { return filepath.Join(c.StateDir, "ledger.jsonl") }
func (c *Config) ArchiveDir() string    { return filepath.Join(c.StateDir, "archive") }
func (c *Config) LockPath() string      { return filepath.Join(c.StateDir, "hostprov.lock") }
func (c *Config) IndexPath() string     { return filepath.Join(c.StateDir, "index.db") }
func (c *Config) AbortPath() string     { return filepath.Join(c.StateDir, "ABORT") }
func (c *Config) LogDir() string        { return filepath.Join(c.StateDir, "logs") }

// EnsureDirs creates the state directory tree.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.StateDir,
		c.CheckpointDir(),
		c.SessionDir(),
		c.ArchiveDir(),
		c.LogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}

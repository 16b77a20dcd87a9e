package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/lyndonlyu/hostprov/internal/action"
	"github.com/lyndonlyu/hostprov/internal/checkpoint"
	"github.com/lyndonlyu/hostprov/internal/config"
	"github.com/lyndonlyu/hostprov/internal/executor"
	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/lyndonlyu/hostprov/internal/filelock"
	"github.com/lyndonlyu/hostprov/internal/killswitch"
	"github.com/lyndonlyu/hostprov/internal/ledger"
	"github.com/lyndonlyu/hostprov/internal/logging"
	"github.com/lyndonlyu/hostprov/internal/redact"
	"github.com/lyndonlyu/hostprov/internal/session"
	"github.com/lyndonlyu/hostprov/internal/statedb"
	"github.com/lyndonlyu/hostprov/internal/writerq"
	"github.com/rs/zerolog"
)

const defaultConfigPath = "/etc/hostprov/config.yaml"

var (
	flagConfig   string
	flagStateDir string
	flagLogLevel string
	flagLogJSON  bool
)

// loadConfig reads the config file, applies flag overrides and validates the
// result. Every failure is a CONFIG_ERROR.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, exitcode.New(exitcode.ConfigError, err)
	}
	if flagStateDir != "" {
		cfg.StateDir = flagStateDir
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogJSON {
		cfg.Logging.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, exitcode.New(exitcode.ConfigError, err)
	}
	logging.Init(logging.Config{
		Level:      logging.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
		Output:     os.Stderr,
	})
	return cfg, nil
}

// stateErr attaches PERMISSION_DENIED to permission failures on the state
// directory and PROVISIONING_FAILED to anything else.
func stateErr(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return exitcode.New(exitcode.PermissionDenied, err)
	}
	return exitcode.New(exitcode.ProvisioningFailed, err)
}

// env is the opened state of one command invocation.
type env struct {
	cfg         *config.Config
	logger      zerolog.Logger
	checkpoints *checkpoint.Store
	ledger      *ledger.Ledger
	sessions    *session.Store
	index       *statedb.DB
	lock        *filelock.Lock
	killswitch  *killswitch.Watcher
	redactor    *redact.Redactor
}

// newEnv prepares an env for cfg without touching the state directory. The
// lock, abort marker and redactor are usable before open is called.
func newEnv(cfg *config.Config) *env {
	return &env{
		cfg:        cfg,
		logger:     logging.WithComponent("hostprov"),
		lock:       filelock.New(cfg.LockPath(), filelock.WithLogger(logging.WithComponent("lock"))),
		killswitch: killswitch.New(cfg.AbortPath(), killswitch.WithLogger(logging.WithComponent("killswitch"))),
		redactor:   redact.New(cfg.Redaction),
	}
}

// openEnv prepares an env and opens its stores without taking the lock.
// Commands that modify state use newEnv, acquireLock and open instead.
func openEnv(cfg *config.Config, readOnly, ephemeral bool) (*env, error) {
	e := newEnv(cfg)
	if err := e.open(readOnly, ephemeral); err != nil {
		return nil, err
	}
	return e, nil
}

// open opens the stores under cfg.StateDir. A read-only env never opens
// the session index, so it leaves the state directory untouched. An
// ephemeral env keeps sessions in memory and skips the index; dry runs use
// it.
func (e *env) open(readOnly, ephemeral bool) error {
	cfg := e.cfg
	if !readOnly && !ephemeral {
		if err := cfg.EnsureDirs(); err != nil {
			return stateErr(fmt.Errorf("create state dirs: %w", err))
		}
	}

	var err error
	if e.checkpoints, err = checkpoint.NewStore(cfg.CheckpointDir()); err != nil {
		return stateErr(err)
	}
	if e.ledger, err = ledger.Open(cfg.LedgerPath(), logging.WithComponent("ledger")); err != nil {
		return stateErr(err)
	}

	sessOpts := []session.Option{session.WithLogger(logging.WithComponent("session"))}
	switch {
	case ephemeral:
		sessOpts = append(sessOpts, session.InMemory())
	case readOnly:
	default:
		e.index, err = statedb.Open(cfg.IndexPath(),
			writerq.WithAbortMarker(cfg.AbortPath()),
			writerq.WithLogger(logging.WithComponent("writerq")),
		)
		if err != nil {
			e.logger.Warn().Err(err).Msg("session index unavailable")
		} else {
			sessOpts = append(sessOpts, session.WithIndexer(e.index))
		}
	}
	if e.sessions, err = session.NewStore(cfg.SessionDir(), sessOpts...); err != nil {
		return stateErr(err)
	}
	return nil
}

// acquireLock takes the host lock for a state-modifying command. The
// returned release must be deferred.
func (e *env) acquireLock(ctx context.Context) (release func(), err error) {
	if err := e.lock.Acquire(ctx, e.cfg.Timeouts.LockWait); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, exitcode.New(exitcode.PermissionDenied, err)
		}
		return nil, exitcode.New(exitcode.ProvisioningFailed, err)
	}
	return func() {
		if err := e.lock.Release(); err != nil {
			e.logger.Warn().Err(err).Msg("releasing lock")
		}
	}, nil
}

func (e *env) close() {
	if e.index != nil {
		if err := e.index.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("closing session index")
		}
	}
}

// commandRunner builds the executor used by phases and rollback actions.
func (e *env) commandRunner(extraEnv map[string]string) executor.Runner {
	return executor.New(executor.Options{
		Timeout:     e.cfg.Timeouts.Command,
		IdleTimeout: e.cfg.Timeouts.Idle,
		Env:         extraEnv,
		Logger:      logging.WithComponent("executor"),
		Redactor:    e.redactor,
	})
}

func (e *env) interpreter() *action.Interpreter {
	return action.NewInterpreter(e.commandRunner(nil), e.cfg.Commands, logging.WithComponent("action"))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Package executor runs external commands on the provisioned host. Commands
// are always argv slices, never shell strings.
//
// A running child is never killed because the caller's context was cancelled:
// cancellation only prevents new commands from starting, so an interrupted
// provisioning run cannot leave a half-written file behind. Children are
// killed only by their own total or idle timeout. Each child runs in its own
// process group, so a terminal interrupt or hangup delivered to hostprov's
// group does not reach it.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lyndonlyu/hostprov/internal/redact"
	"github.com/rs/zerolog"
)

// ErrCancelled is returned when a command is refused because the run has
// been cancelled.
var ErrCancelled = errors.New("executor: run cancelled, command not started")

// ErrIdleTimeout is the cancellation cause when a command produced no output
// for longer than Options.IdleTimeout.
var ErrIdleTimeout = errors.New("executor: no output within idle timeout")

// Runner executes a single command.
type Runner interface {
	Run(ctx context.Context, argv []string) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, argv []string) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, argv []string) (Result, error) { return f(ctx, argv) }

type Options struct {
	Timeout     time.Duration     // total wall time per command, defaults to 30m
	IdleTimeout time.Duration     // max silence on stdout/stderr, 0 disables
	Dir         string            // working directory
	Env         map[string]string // overrides applied on top of os.Environ()
	Logger      zerolog.Logger
	// Redactor scrubs the argv and output kept in Result. The command
	// itself always runs with the real argv.
	Redactor *redact.Redactor
}

type Result struct {
	Argv     []string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// ExitError describes a command that ran and failed, timed out, or could not
// be started. It carries everything the error classifier needs.
type ExitError struct {
	Result Result
	Err    error
}

func (e *ExitError) Error() string {
	name := strings.Join(e.Result.Argv, " ")
	stderr := strings.TrimSpace(e.Result.Stderr)
	if len(stderr) > 200 {
		stderr = stderr[:200] + "..."
	}
	if e.Result.TimedOut {
		return fmt.Sprintf("command %q timed out after %s", name, e.Result.Duration.Round(time.Millisecond))
	}
	if stderr != "" {
		return fmt.Sprintf("command %q exited %d: %s", name, e.Result.ExitCode, stderr)
	}
	return fmt.Sprintf("command %q exited %d: %v", name, e.Result.ExitCode, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

type Executor struct {
	opts Options
}

func New(opts Options) *Executor {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Minute
	}
	return &Executor{opts: opts}
}

// Run executes argv and waits for it to finish.
func (e *Executor) Run(ctx context.Context, argv []string) (Result, error) {
	result := Result{Argv: e.opts.Redactor.Strings(argv)}
	if len(argv) == 0 || argv[0] == "" {
		return result, &ExitError{Result: result, Err: errors.New("empty argv")}
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
	}

	runCtx, cancel := context.WithTimeoutCause(context.WithoutCancel(ctx), e.opts.Timeout, context.DeadlineExceeded)
	defer cancel()
	runCtx, cancelIdle := context.WithCancelCause(runCtx)
	defer cancelIdle(nil)

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = e.opts.Dir
	cmd.Env = mergeEnv(os.Environ(), e.opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Timeouts kill the whole group, including grandchildren.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	watch := newIdleWatch(e.opts.IdleTimeout, func() { cancelIdle(ErrIdleTimeout) })
	defer watch.stop()
	cmd.Stdout = watch.wrap(&stdout)
	cmd.Stderr = watch.wrap(&stderr)

	e.opts.Logger.Debug().Strs("argv", result.Argv).Msg("exec")
	start := time.Now()
	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = e.opts.Redactor.Redact(stdout.String())
	result.Stderr = e.opts.Redactor.Redact(stderr.String())

	if err == nil {
		return result, nil
	}

	if runCtx.Err() != nil {
		result.TimedOut = true
		result.ExitCode = -1
		cause := context.Cause(runCtx)
		if errors.Is(cause, ErrIdleTimeout) {
			return result, &ExitError{Result: result, Err: fmt.Errorf("%w: %w", context.DeadlineExceeded, ErrIdleTimeout)}
		}
		return result, &ExitError{Result: result, Err: context.DeadlineExceeded}
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrNotFound):
		result.ExitCode = 127
		if result.Stderr == "" {
			result.Stderr = argv[0] + ": command not found"
		}
	default:
		result.ExitCode = -1
	}
	return result, &ExitError{Result: result, Err: err}
}

// mergeEnv returns base with every key in overrides replaced or appended.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, e := range base {
		key, _, _ := strings.Cut(e, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, e)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// idleWatch fires onIdle when none of its wrapped writers saw a write within
// the timeout.
type idleWatch struct {
	mu    sync.Mutex
	timer *time.Timer
	d     time.Duration
}

func newIdleWatch(d time.Duration, onIdle func()) *idleWatch {
	w := &idleWatch{d: d}
	if d > 0 {
		w.timer = time.AfterFunc(d, onIdle)
	}
	return w
}

func (w *idleWatch) touch() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	w.timer.Reset(w.d)
	w.mu.Unlock()
}

func (w *idleWatch) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *idleWatch) wrap(buf *bytes.Buffer) *activityWriter {
	return &activityWriter{buf: buf, watch: w}
}

type activityWriter struct {
	buf   *bytes.Buffer
	watch *idleWatch
}

func (a *activityWriter) Write(p []byte) (int, error) {
	a.watch.touch()
	return a.buf.Write(p)
}

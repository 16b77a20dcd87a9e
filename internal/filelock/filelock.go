// Package filelock implements the host-wide single-run lock.
//
// The lock is a file holding the holder's PID and acquisition time. A lock
// whose holder process no longer exists is stale and is reclaimed by the next
// acquirer. The check-stale/remove/create sequence runs under an flock on a
// sibling guard file so two processes can never both believe they reclaimed
// the same stale lock.
package filelock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often a waiting Acquire re-checks the lock.
const DefaultPollInterval = 500 * time.Millisecond

var (
	// ErrLocked is returned when a live process holds the lock.
	ErrLocked = errors.New("lock is held by another process")
	// ErrNotHeld is returned by Holder when no lock file exists.
	ErrNotHeld = errors.New("lock is not held")
)

// Meta is the parsed content of a lock file.
type Meta struct {
	PID        int       `json:"holder_pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock guards a single lock file for one process. Acquire is reentrant: each
// successful Acquire must be paired with a Release, and the file is removed
// by the outermost Release.
type Lock struct {
	mu           sync.Mutex
	depth        int
	path         string
	pid          int
	pollInterval time.Duration
	alive        func(pid int) bool
	logger       zerolog.Logger
}

// Option configures a Lock.
type Option func(*Lock)

// WithPID overrides the PID written into the lock. Tests use it to simulate
// several processes from one.
func WithPID(pid int) Option { return func(l *Lock) { l.pid = pid } }

// WithPollInterval sets how often a waiting Acquire retries.
func WithPollInterval(d time.Duration) Option { return func(l *Lock) { l.pollInterval = d } }

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option { return func(l *Lock) { l.logger = logger } }

// WithLivenessCheck replaces the process liveness probe.
func WithLivenessCheck(fn func(pid int) bool) Option { return func(l *Lock) { l.alive = fn } }

// New returns a Lock for path owned by the current process.
func New(path string, opts ...Option) *Lock {
	l := &Lock{
		path:         path,
		pid:          os.Getpid(),
		pollInterval: DefaultPollInterval,
		alive:        ProcessAlive,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// PID returns the PID this lock writes when acquired.
func (l *Lock) PID() int { return l.pid }

// Acquire takes the lock. With maxWait == 0 it fails immediately when a live
// process holds the lock; otherwise it polls until maxWait elapses or ctx is
// done. The returned error names the holder PID.
func (l *Lock) Acquire(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		err := l.tryAcquire()
		if err == nil {
			l.mu.Lock()
			l.depth++
			l.mu.Unlock()
			return nil
		}
		if !errors.Is(err, ErrLocked) {
			return err
		}
		if maxWait <= 0 || time.Now().After(deadline) {
			return err
		}

		wait := l.pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (gave up waiting: %v)", err, ctx.Err())
		case <-t.C:
		}
	}
}

func (l *Lock) tryAcquire() error {
	return l.withGuard(func() error {
		meta, err := readMeta(l.path)
		switch {
		case err == nil:
			if meta.PID == l.pid {
				return nil
			}
			if l.alive(meta.PID) {
				return fmt.Errorf("%w: held by PID %d since %s", ErrLocked, meta.PID, meta.AcquiredAt.Format(time.RFC3339))
			}
			l.logger.Warn().Int("stale_pid", meta.PID).Str("path", l.path).Msg("reclaiming stale lock")
			if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("filelock: remove stale lock: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			// A lock file we cannot parse was left by a crash mid-write.
			l.logger.Warn().Err(err).Str("path", l.path).Msg("reclaiming unreadable lock")
			if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("filelock: remove unreadable lock: %w", err)
			}
		}
		return l.create()
	})
}

func (l *Lock) create() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: lock file appeared concurrently", ErrLocked)
		}
		return fmt.Errorf("filelock: create: %w", err)
	}
	content := fmt.Sprintf("%d\n%s\n", l.pid, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("filelock: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("filelock: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("filelock: close: %w", err)
	}
	l.logger.Debug().Int("pid", l.pid).Str("path", l.path).Msg("lock acquired")
	return nil
}

// Release removes the lock if this process holds it and this is the
// outermost Release. A lock held by another PID is left untouched and
// reported as a warning, not an error.
func (l *Lock) Release() error {
	l.mu.Lock()
	if l.depth > 1 {
		l.depth--
		l.mu.Unlock()
		return nil
	}
	l.depth = 0
	l.mu.Unlock()
	return l.withGuard(func() error {
		meta, err := readMeta(l.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("filelock: read on release: %w", err)
		}
		if meta.PID != l.pid {
			l.logger.Warn().Int("holder_pid", meta.PID).Int("own_pid", l.pid).Msg("not releasing lock held by another process")
			return nil
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("filelock: release: %w", err)
		}
		l.logger.Debug().Int("pid", l.pid).Msg("lock released")
		return nil
	})
}

// ForceRelease removes the lock regardless of its holder. Administrative
// override only.
func (l *Lock) ForceRelease() error {
	l.mu.Lock()
	l.depth = 0
	l.mu.Unlock()
	return l.withGuard(func() error {
		if meta, err := readMeta(l.path); err == nil {
			l.logger.Warn().Int("holder_pid", meta.PID).Msg("force-releasing lock")
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("filelock: force release: %w", err)
		}
		return nil
	})
}

// Holder returns the current lock record, or ErrNotHeld.
func (l *Lock) Holder() (Meta, error) {
	meta, err := readMeta(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, ErrNotHeld
	}
	return meta, err
}

// IsStale reports whether a lock record exists whose holder is dead or whose
// content is unreadable.
func (l *Lock) IsStale() bool {
	meta, err := readMeta(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err != nil {
		return true
	}
	return !l.alive(meta.PID)
}

// withGuard runs fn while holding an exclusive flock on the guard file.
func (l *Lock) withGuard(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("filelock: mkdir: %w", err)
	}
	g, err := os.OpenFile(l.path+".guard", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("filelock: open guard: %w", err)
	}
	defer g.Close()

	fd := int(g.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_EX); err != nil {
		return fmt.Errorf("filelock: flock guard: %w", err)
	}
	defer syscall.Flock(fd, syscall.LOCK_UN)
	return fn()
}

// ProcessAlive reports whether pid names a running process. EPERM means the
// process exists but belongs to someone else, which still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func readMeta(path string) (Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return Meta{}, fmt.Errorf("filelock: empty lock file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil {
		return Meta{}, fmt.Errorf("filelock: bad pid in %s: %w", path, err)
	}
	meta := Meta{PID: pid}
	if sc.Scan() {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(sc.Text())); err == nil {
			meta.AcquiredAt = t
		}
	}
	return meta, nil
}

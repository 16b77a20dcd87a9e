// Package killswitch turns operator stop requests into context cancellation.
// A run is stopped either by a termination signal or by an abort marker file
// (written by `hostprov abort` from another shell, or by a failing component).
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const DefaultInterval = 200 * time.Millisecond

var (
	// ErrAborted is the cancellation cause when the abort marker appeared.
	ErrAborted = errors.New("killswitch: abort requested")
	// ErrSignal is the cancellation cause when a termination signal arrived.
	ErrSignal = errors.New("killswitch: termination signal received")
)

type Watcher struct {
	path     string
	interval time.Duration
	signals  []os.Signal
	logger   zerolog.Logger

	mu    sync.Mutex
	cause error
}

type Option func(*Watcher)

// WithSignals replaces the watched signals. No signals disables signal
// handling.
func WithSignals(sigs ...os.Signal) Option {
	return func(w *Watcher) { w.signals = sigs }
}

func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

func New(path string, opts ...Option) *Watcher {
	w := &Watcher{
		path:     path,
		interval: DefaultInterval,
		signals:  []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) Path() string {
	return w.path
}

// IsActive reports whether the abort marker exists.
func (w *Watcher) IsActive() bool {
	_, err := os.Stat(w.path)
	return err == nil
}

// Reason returns the marker's content.
func (w *Watcher) Reason() string {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Cause returns why the watcher cancelled its context, or nil. It stays set
// after the marker is cleared.
func (w *Watcher) Cause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cause
}

// WasTriggered reports whether the watcher cancelled its context.
func (w *Watcher) WasTriggered() bool {
	return w.Cause() != nil
}

// Activate writes the abort marker.
func (w *Watcher) Activate(reason string) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(w.path, []byte(reason+"\n"), 0644)
}

// Clear removes the abort marker.
func (w *Watcher) Clear() error {
	err := os.Remove(w.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (w *Watcher) trigger(cancel context.CancelCauseFunc, cause error) {
	w.mu.Lock()
	if w.cause == nil {
		w.cause = cause
	}
	w.mu.Unlock()
	w.logger.Warn().Err(cause).Msg("stop requested, finishing current command")
	cancel(cause)
}

// Watch returns a context that is cancelled, with ErrAborted or ErrSignal as
// its cause, when a stop is requested. The returned stop function releases
// the signal handler and must be called.
func (w *Watcher) Watch(ctx context.Context) (context.Context, func()) {
	watchCtx, cancel := context.WithCancelCause(ctx)

	// Immediate check before starting ticker
	if w.IsActive() {
		w.trigger(cancel, fmt.Errorf("%w: %s", ErrAborted, w.Reason()))
		return watchCtx, func() { cancel(context.Canceled) }
	}

	sigCh := make(chan os.Signal, 1)
	if len(w.signals) > 0 {
		signal.Notify(sigCh, w.signals...)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case sig := <-sigCh:
				w.trigger(cancel, fmt.Errorf("%w: %s", ErrSignal, sig))
				return
			case <-ticker.C:
				if w.IsActive() {
					w.trigger(cancel, fmt.Errorf("%w: %s", ErrAborted, w.Reason()))
					return
				}
			}
		}
	}()

	stop := func() {
		signal.Stop(sigCh)
		cancel(context.Canceled)
		<-done
	}
	return watchCtx, stop
}

// Package retry classifies failed operations and re-runs the transient ones
// with exponential backoff behind a circuit breaker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lyndonlyu/hostprov/internal/executor"
	"github.com/rs/zerolog"
)

var (
	// ErrRetriesExhausted marks a retryable failure that kept failing.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrCircuitOpen is returned without running the operation while the
	// breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// Operation is one attempt of a retried unit of work.
type Operation func(ctx context.Context) error

// Error is a classified, final failure returned by ExecuteWithRetry.
type Error struct {
	Kind      ErrorKind
	Severity  Severity
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case errors.Is(e.Err, ErrCircuitOpen):
		return fmt.Sprintf("%v after repeated %s failures", e.Err, e.Kind)
	case e.Exhausted:
		return fmt.Sprintf("%s: %s after %d attempts: %v", e.Kind, ErrRetriesExhausted, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrRetriesExhausted && e.Exhausted
}

// Suggestion is the remediation for the error's kind.
func (e *Error) Suggestion() string { return Suggestion(e.Kind) }

// Outcome records what ExecuteWithRetry did.
type Outcome struct {
	Attempts int
	Retries  int
	Kind     ErrorKind
	Severity Severity
	Delays   []time.Duration
}

// DefaultWhitelist holds exit codes reported as success: 141 is a child
// killed by SIGPIPE after its reader went away.
var DefaultWhitelist = []int{141}

type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration // 0 means uncapped
	Whitelist    []int
	Classifier   Classifier
	Breaker      *CircuitBreaker
	Logger       zerolog.Logger

	// Sleep waits between attempts; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, kind ErrorKind, delay time.Duration)
}

// DefaultPolicy returns 3 retries starting at 2s, capped at 1m.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Whitelist:    DefaultWhitelist,
		Logger:       zerolog.Nop(),
	}
}

// ExecuteWithRetry runs op with the default policy and no breaker.
func ExecuteWithRetry(ctx context.Context, op Operation, maxRetries int, initialDelay time.Duration) (Outcome, error) {
	p := DefaultPolicy()
	p.MaxRetries = maxRetries
	p.InitialDelay = initialDelay
	return p.ExecuteWithRetry(ctx, op)
}

// ExecuteWithRetry runs op until it succeeds, fails fatally, exhausts the
// retry budget, or the breaker opens. Fatal failures are never retried.
func (p Policy) ExecuteWithRetry(ctx context.Context, op Operation) (Outcome, error) {
	var out Outcome
	for attempt := 0; ; attempt++ {
		if p.Breaker != nil && p.Breaker.IsOpen() {
			kind := out.Kind
			if out.Attempts == 0 {
				kind = p.Breaker.TripKind()
			}
			return out, &Error{Kind: kind, Severity: Fatal, Attempts: out.Attempts, Err: ErrCircuitOpen}
		}

		out.Attempts++
		err := op(ctx)
		if err == nil || p.whitelisted(err) {
			if p.Breaker != nil {
				p.Breaker.RecordSuccess()
			}
			return out, nil
		}
		if errors.Is(err, executor.ErrCancelled) || ctx.Err() != nil {
			return out, err
		}

		kind := ClassifyError(p.Classifier, err)
		sev := SeverityOf(kind)
		out.Kind, out.Severity = kind, sev
		if p.Breaker != nil {
			p.Breaker.RecordFailureOf(kind)
		}

		if sev == Fatal {
			return out, &Error{Kind: kind, Severity: Fatal, Attempts: out.Attempts, Err: err}
		}
		if attempt >= p.MaxRetries {
			out.Severity = Fatal
			return out, &Error{Kind: kind, Severity: Fatal, Attempts: out.Attempts, Exhausted: true, Err: err}
		}

		delay := p.delay(attempt)
		p.Logger.Warn().Err(err).
			Str("kind", kind.String()).
			Str("severity", sev.String()).
			Int("attempt", out.Attempts).
			Dur("backoff", delay).
			Msg("attempt failed, retrying")
		if p.OnRetry != nil {
			p.OnRetry(out.Attempts, kind, delay)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return out, err
		}
		out.Retries++
		out.Delays = append(out.Delays, delay)
	}
}

// delay is InitialDelay * 2^attempt, capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) whitelisted(err error) bool {
	var exitErr *executor.ExitError
	if !errors.As(err, &exitErr) || exitErr.Result.TimedOut {
		return false
	}
	return slices.Contains(p.Whitelist, exitErr.Result.ExitCode)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package retry

import (
	"sync"
	"time"
)

// CircuitBreaker stops retrying a dependency that keeps failing. It opens
// after Threshold consecutive failures and closes itself once ResetAfter has
// elapsed since it opened.
type CircuitBreaker struct {
	mu         sync.Mutex
	threshold  int
	resetAfter time.Duration
	failures   int
	open       bool
	openedAt   time.Time
	now        func() time.Time
	trips      int
	lastKind   ErrorKind
	tripKind   ErrorKind
}

// BreakerState is a point-in-time copy of a breaker.
type BreakerState struct {
	FailureCount int        `json:"failure_count"`
	Threshold    int        `json:"threshold"`
	Open         bool       `json:"open"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	ResetAfter   string     `json:"reset_after"`
	Trips        int        `json:"trips"`
	TripKind     string     `json:"trip_kind,omitempty"`
}

// NewCircuitBreaker returns a closed breaker. A threshold <= 0 defaults to 5
// and a resetAfter <= 0 defaults to one minute.
func NewCircuitBreaker(threshold int, resetAfter time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetAfter <= 0 {
		resetAfter = time.Minute
	}
	return &CircuitBreaker{threshold: threshold, resetAfter: resetAfter, now: time.Now}
}

// WithClock replaces the breaker's time source. Used by tests.
func (b *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// RecordFailure counts an unclassified failure and opens the breaker at the
// threshold.
func (b *CircuitBreaker) RecordFailure() { b.RecordFailureOf(Unknown) }

// RecordFailureOf counts a failure of kind. The kind of the failure that
// opens the breaker is kept for TripKind.
func (b *CircuitBreaker) RecordFailureOf(kind ErrorKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastKind = kind
	if !b.open && b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
		b.trips++
		b.tripKind = kind
	}
}

// TripKind returns the kind of the failure that last opened the breaker.
func (b *CircuitBreaker) TripKind() ErrorKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripKind
}

// RecordSuccess clears the consecutive failure count of a closed breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		b.failures = 0
	}
}

// IsOpen reports whether calls must fail fast. An open breaker whose reset
// window has elapsed is closed with its counter zeroed.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return false
	}
	if b.now().Sub(b.openedAt) >= b.resetAfter {
		b.open = false
		b.failures = 0
		b.openedAt = time.Time{}
		return false
	}
	return true
}

// Reset closes the breaker explicitly.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.failures = 0
	b.openedAt = time.Time{}
}

// State returns a snapshot for reporting.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerState{
		FailureCount: b.failures,
		Threshold:    b.threshold,
		Open:         b.open,
		ResetAfter:   b.resetAfter.String(),
		Trips:        b.trips,
	}
	if b.trips > 0 {
		s.TripKind = b.tripKind.String()
	}
	if b.open {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

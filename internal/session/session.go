// Package session keeps the durable JSON record of one provisioning run:
// which phases ran, their statuses and timings, and how the run ended.
package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Status is the overall session status.
type Status string

const (
	Initializing Status = "INITIALIZING"
	InProgress   Status = "IN_PROGRESS"
	Completed    Status = "COMPLETED"
	Failed       Status = "FAILED"
	RolledBack   Status = "ROLLED_BACK"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == RolledBack
}

// PhaseStatus is the status of one phase within a session.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "PENDING"
	PhaseRunning   PhaseStatus = "RUNNING"
	PhaseCompleted PhaseStatus = "COMPLETED"
	PhaseFailed    PhaseStatus = "FAILED"
	PhaseSkipped   PhaseStatus = "SKIPPED"
)

// Terminal reports whether the phase has reached a final status.
func (p PhaseStatus) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseSkipped
}

var (
	ErrNoSession         = errors.New("session: no session loaded")
	ErrNotFound          = errors.New("session: not found")
	ErrAlreadyFinalized  = errors.New("session: already finalized")
	ErrInvalidTransition = errors.New("session: invalid status transition")
	ErrUnknownPhase      = errors.New("session: unknown phase")
	ErrInvalidRecord     = errors.New("session: record failed schema validation")
)

// ActionRef points at a ledger transaction recorded by a phase.
type ActionRef struct {
	TransactionID string `json:"transaction_id"`
	Action        string `json:"action"`
	Rollback      string `json:"rollback,omitempty"`
}

// PhaseExecution is one phase's record within a session.
type PhaseExecution struct {
	PhaseName string      `json:"phase_name"`
	Status    PhaseStatus `json:"status"`
	StartTime *time.Time  `json:"start_time,omitempty"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	Attempts  int         `json:"attempts"`
	Error     string      `json:"error,omitempty"`
	Actions   []ActionRef `json:"actions"`
}

// Duration returns the phase's wall time, or zero if it has not finished.
func (p PhaseExecution) Duration() time.Duration {
	if p.StartTime == nil || p.EndTime == nil {
		return 0
	}
	return p.EndTime.Sub(*p.StartTime)
}

// Session is the persisted run record.
type Session struct {
	SessionID       string            `json:"session_id"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         *time.Time        `json:"end_time,omitempty"`
	DurationSeconds int64             `json:"duration_seconds"`
	Status          Status            `json:"status"`
	Phases          []PhaseExecution  `json:"phases"`
	ErrorDetails    string            `json:"error_details,omitempty"`
	Metadata        map[string]string `json:"metadata"`
}

// Phase returns the named phase record.
func (s *Session) Phase(name string) (PhaseExecution, bool) {
	for _, p := range s.Phases {
		if p.PhaseName == name {
			return p, true
		}
	}
	return PhaseExecution{}, false
}

func (s *Session) phase(name string) *PhaseExecution {
	for i := range s.Phases {
		if s.Phases[i].PhaseName == name {
			return &s.Phases[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	out := s
	out.Metadata = maps.Clone(s.Metadata)
	out.Phases = make([]PhaseExecution, len(s.Phases))
	for i, p := range s.Phases {
		p.Actions = slices.Clone(p.Actions)
		out.Phases[i] = p
	}
	return out
}

// Counts tallies phases by status.
func (s *Session) Counts() map[PhaseStatus]int {
	counts := make(map[PhaseStatus]int)
	for _, p := range s.Phases {
		counts[p.Status]++
	}
	return counts
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.SessionID, s.Status)
}

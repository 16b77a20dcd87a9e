package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/lyndonlyu/hostprov/internal/retry"
	"github.com/lyndonlyu/hostprov/internal/rollback"
	"github.com/lyndonlyu/hostprov/internal/session"
)

// PhaseOutcome is what happened to one selected phase.
type PhaseOutcome struct {
	Name     string              `json:"name"`
	Status   session.PhaseStatus `json:"status"`
	Attempts int                 `json:"attempts,omitempty"`
	Actions  int                 `json:"actions,omitempty"`
	Duration time.Duration       `json:"duration,omitempty"`
	Preview  []string            `json:"preview,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Failure is the fatal error that stopped a run.
type Failure struct {
	Phase    string          `json:"phase"`
	Kind     retry.ErrorKind `json:"-"`
	Severity retry.Severity  `json:"-"`
	Err      error           `json:"-"`
	code     exitcode.Code
}

// Line renders the operator-facing failure line: severity, phase, kind and
// the suggested remediation.
func (f *Failure) Line() string {
	if errors.Is(f.Err, retry.ErrCircuitOpen) {
		return fmt.Sprintf("%s: phase %s not attempted: circuit breaker open after repeated %s failures. Suggestion: %s",
			f.Severity, f.Phase, f.Kind, retry.Suggestion(f.Kind))
	}
	return fmt.Sprintf("%s: phase %s failed (%s): %v. Suggestion: %s",
		f.Severity, f.Phase, f.Kind, f.Err, retry.Suggestion(f.Kind))
}

// Report summarizes a run.
type Report struct {
	SessionID string           `json:"session_id"`
	Status    session.Status   `json:"status"`
	ExitCode  exitcode.Code    `json:"exit_code"`
	DryRun    bool             `json:"dry_run,omitempty"`
	Phases    []PhaseOutcome   `json:"phases"`
	Failure   *Failure         `json:"failure,omitempty"`
	Cancelled error            `json:"-"`
	Rollback  *rollback.Result `json:"-"`
	Archive   string           `json:"archive,omitempty"`

	// Err is set when the run could not start or could not unwind.
	Err error `json:"-"`
}

// Succeeded reports a zero exit code.
func (r *Report) Succeeded() bool { return r.ExitCode == exitcode.Success }

// Counts tallies phase outcomes by status.
func (r *Report) Counts() map[session.PhaseStatus]int {
	counts := make(map[session.PhaseStatus]int)
	for _, p := range r.Phases {
		counts[p.Status]++
	}
	return counts
}

// Phase returns the named outcome.
func (r *Report) Phase(name string) (PhaseOutcome, bool) {
	for _, p := range r.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseOutcome{}, false
}

// AsError converts the report into an error carrying its exit code, or nil
// on success.
func (r *Report) AsError() error {
	if r.Succeeded() {
		return nil
	}
	var err error
	switch {
	case r.Err != nil:
		err = r.Err
	case r.Failure != nil:
		err = fmt.Errorf("%s", r.Failure.Line())
	case r.Cancelled != nil:
		err = fmt.Errorf("run interrupted: %w", r.Cancelled)
	default:
		err = fmt.Errorf("run failed")
	}
	return exitcode.New(r.ExitCode, err)
}

func (r *Report) abort(code exitcode.Code, err error) *Report {
	r.ExitCode = code
	r.Err = err
	return r
}

// Package rollback undoes a provisioning run by replaying the transaction
// ledger in strict reverse order. The unwind is best effort: a failed step is
// counted and logged, and the replay moves on to the next entry.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/lyndonlyu/hostprov/internal/action"
	"github.com/lyndonlyu/hostprov/internal/ledger"
	"github.com/rs/zerolog"
)

// BackupSuffix is appended to the ledger path for the snapshot taken before
// every rollback.
const BackupSuffix = ".pre-rollback"

// Applier executes typed actions and checks their postconditions.
type Applier interface {
	Apply(ctx context.Context, a action.Action) error
	Check(ctx context.Context, a action.Action) error
}

// StepFailure records one rollback step that did not succeed.
type StepFailure struct {
	TransactionID string
	Phase         string
	Action        string
	Err           error
}

// Result summarizes the last Execute call.
type Result struct {
	Executed int
	Failed   int
	// Phases that produced at least one replayed entry, in replay order.
	Phases   []string
	Failures []StepFailure
}

// Mismatch is a rolled-back action whose postcondition does not hold.
type Mismatch struct {
	TransactionID string
	Phase         string
	Rollback      action.Action
	Reason        string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s", m.Rollback, m.Reason)
}

// Engine replays a ledger.
type Engine struct {
	ledger  *ledger.Ledger
	applier Applier
	logger  zerolog.Logger

	mu   sync.Mutex
	last Result
}

func New(l *ledger.Ledger, applier Applier, logger zerolog.Logger) *Engine {
	return &Engine{ledger: l, applier: applier, logger: logger}
}

// BackupPath returns where Execute snapshots the ledger.
func (e *Engine) BackupPath() string {
	return e.ledger.Path() + BackupSuffix
}

// Execute snapshots the ledger, then applies every rollback action from the
// newest entry to the oldest. It returns the number of failed steps. A
// non-nil error means the rollback could not run at all.
//
// Rollback runs detached from ctx cancellation because it is usually the
// response to a cancellation. The ledger is cleared only when every step
// succeeded, so a partial unwind can be retried.
func (e *Engine) Execute(ctx context.Context) (int, error) {
	ctx = context.WithoutCancel(ctx)
	res := Result{}
	defer func() {
		e.mu.Lock()
		e.last = res
		e.mu.Unlock()
	}()

	if err := e.ledger.Backup(e.BackupPath()); err != nil {
		return 0, fmt.Errorf("rollback: snapshot ledger: %w", err)
	}

	total := e.ledger.Count()
	e.logger.Info().Int("entries", total).Msg("rollback started")

	seen := make(map[string]bool)
	for tx, err := range e.ledger.AllReverse() {
		if err != nil {
			if errors.Is(err, ledger.ErrCorruptEntry) {
				res.Failed++
				res.Failures = append(res.Failures, StepFailure{Err: err})
				e.logger.Error().Err(err).Msg("skipping unreadable ledger entry")
				continue
			}
			return res.Failed, fmt.Errorf("rollback: %w", err)
		}

		if tx.Phase != "" && !seen[tx.Phase] {
			seen[tx.Phase] = true
			res.Phases = append(res.Phases, tx.Phase)
		}

		log := e.logger.With().Str("tx", tx.ID).Str("phase", tx.Phase).Str("undo", tx.Rollback.String()).Logger()
		if err := e.applier.Apply(ctx, tx.Rollback); err != nil {
			res.Failed++
			res.Failures = append(res.Failures, StepFailure{
				TransactionID: tx.ID,
				Phase:         tx.Phase,
				Action:        tx.Action,
				Err:           err,
			})
			log.Error().Err(err).Msg("rollback step failed")
			continue
		}
		res.Executed++
		log.Debug().Msg("rolled back")
	}

	if res.Failed == 0 {
		if err := e.ledger.Clear(); err != nil {
			return 0, fmt.Errorf("rollback: clear ledger: %w", err)
		}
	}
	e.logger.Info().Int("executed", res.Executed).Int("failed", res.Failed).Msg("rollback finished")
	return res.Failed, nil
}

// LastResult returns the summary of the most recent Execute.
func (e *Engine) LastResult() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Verify re-checks the postconditions of the actions in the last rollback
// snapshot. When several actions touch the same target only the one applied
// last is checked, since it determines the final state. Mismatches are
// reported only; Verify never triggers another rollback.
func (e *Engine) Verify(ctx context.Context) ([]Mismatch, error) {
	if _, err := os.Stat(e.BackupPath()); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rollback: verify: %w", err)
	}
	snap, err := ledger.Open(e.BackupPath(), e.logger)
	if err != nil {
		return nil, fmt.Errorf("rollback: verify: %w", err)
	}

	var applied []ledger.Transaction
	final := make(map[string]int)
	for tx, err := range snap.AllReverse() {
		if err != nil {
			if errors.Is(err, ledger.ErrCorruptEntry) {
				continue
			}
			return nil, fmt.Errorf("rollback: verify: %w", err)
		}
		final[target(tx)] = len(applied)
		applied = append(applied, tx)
	}

	var mismatches []Mismatch
	for i, tx := range applied {
		if final[target(tx)] != i {
			continue
		}
		if err := e.applier.Check(ctx, tx.Rollback); err != nil {
			mismatches = append(mismatches, Mismatch{
				TransactionID: tx.ID,
				Phase:         tx.Phase,
				Rollback:      tx.Rollback,
				Reason:        err.Error(),
			})
		}
	}
	return mismatches, nil
}

// target names the host object an action affects.
func target(tx ledger.Transaction) string {
	a := tx.Rollback
	switch a.Type {
	case action.RemoveFile:
		return "file:" + a.Path
	case action.RestoreFile:
		return "file:" + a.To
	case action.UninstallPackage:
		return "pkg:" + a.Name
	case action.StopService:
		return "svc:" + a.Name
	default:
		return "tx:" + tx.ID
	}
}

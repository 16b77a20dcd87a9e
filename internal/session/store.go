package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Indexer is notified with a snapshot after every successful write.
type Indexer interface {
	IndexSession(ctx context.Context, s Session) error
}

// Store owns the current session and persists it as <dir>/<id>.json. It is
// safe for concurrent use by the workers of a parallel phase group.
type Store struct {
	mu         sync.Mutex
	dir        string
	persistent bool
	current    *Session
	indexer    Indexer
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithIndexer registers an index to notify on every write.
func WithIndexer(ix Indexer) Option {
	return func(s *Store) { s.indexer = ix }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// InMemory keeps the session in memory only. Used for dry runs.
func InMemory() Option {
	return func(s *Store) { s.persistent = false }
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, persistent: true, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.persistent {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("session: mkdir %s: %w", dir, err)
		}
	}
	return s, nil
}

// Dir returns the sessions directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the record path for id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// InitSession creates and persists a new INITIALIZING session.
func (s *Store) InitSession() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &Session{
		SessionID: uuid.New().String(),
		StartTime: s.stamp(),
		Status:    Initializing,
		Phases:    []PhaseExecution{},
		Metadata:  map[string]string{},
	}
	if err := s.write(sess); err != nil {
		return "", err
	}
	s.current = sess
	return sess.SessionID, nil
}

// LoadSession makes the persisted session id current.
func (s *Store) LoadSession(id string) error {
	sess, err := s.Read(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()
	return nil
}

// LoadLatest makes the most recently started session current.
func (s *Store) LoadLatest() error {
	all, err := s.List()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return ErrNotFound
	}
	latest := all[0]
	s.mu.Lock()
	s.current = &latest
	s.mu.Unlock()
	return nil
}

// Current returns a copy of the current session.
func (s *Store) Current() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}, ErrNoSession
	}
	return s.current.Clone(), nil
}

// Start moves the session from INITIALIZING to IN_PROGRESS. Starting a
// session that is already in progress, as on resume, is a no-op.
func (s *Store) Start() error {
	return s.mutate(func(sess *Session) error {
		switch sess.Status {
		case Initializing:
			sess.Status = InProgress
			return nil
		case InProgress:
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, InProgress)
	})
}

// UpdatePhase sets a phase's status, creating its record on first use.
// Entering RUNNING stamps start_time; entering a terminal status stamps
// end_time. COMPLETED, FAILED and SKIPPED phases cannot change again except
// through ResetPhase.
func (s *Store) UpdatePhase(name string, status PhaseStatus) error {
	return s.mutate(func(sess *Session) error {
		p := sess.phase(name)
		if p == nil {
			sess.Phases = append(sess.Phases, PhaseExecution{PhaseName: name, Status: PhasePending, Actions: []ActionRef{}})
			p = &sess.Phases[len(sess.Phases)-1]
		}
		if p.Status == status && status != PhaseRunning {
			return nil
		}
		if p.Status.Terminal() {
			return fmt.Errorf("%w: phase %s %s -> %s", ErrInvalidTransition, name, p.Status, status)
		}

		now := s.stamp()
		p.Status = status
		switch {
		case status == PhaseRunning:
			if p.StartTime == nil {
				p.StartTime = &now
			}
		case status.Terminal():
			p.EndTime = &now
		}
		return nil
	})
}

// ResetPhase returns a phase to PENDING so a resumed run can execute it
// again. Timings, attempts and the error are cleared; action refs are kept.
func (s *Store) ResetPhase(name string) error {
	return s.mutate(func(sess *Session) error {
		p := sess.phase(name)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrUnknownPhase, name)
		}
		p.Status = PhasePending
		p.StartTime, p.EndTime = nil, nil
		p.Attempts = 0
		p.Error = ""
		return nil
	})
}

// AddAction appends a ledger reference under phase.
func (s *Store) AddAction(phase string, ref ActionRef) error {
	return s.mutatePhase(phase, func(p *PhaseExecution) {
		p.Actions = append(p.Actions, ref)
	})
}

// SetAttempts records how many times the phase handler was invoked.
func (s *Store) SetAttempts(phase string, attempts int) error {
	return s.mutatePhase(phase, func(p *PhaseExecution) {
		p.Attempts = attempts
	})
}

// SetPhaseError records a phase's failure message.
func (s *Store) SetPhaseError(phase, msg string) error {
	return s.mutatePhase(phase, func(p *PhaseExecution) {
		p.Error = msg
	})
}

// SetMetadata sets one metadata key.
func (s *Store) SetMetadata(key, value string) error {
	return s.mutate(func(sess *Session) error {
		if sess.Metadata == nil {
			sess.Metadata = map[string]string{}
		}
		sess.Metadata[key] = value
		return nil
	})
}

// Finalize sets the terminal status, end time and duration. It succeeds
// exactly once per session.
func (s *Store) Finalize(status Status, details string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, status)
	}
	return s.mutate(func(sess *Session) error {
		if sess.Status != InProgress {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, status)
		}
		now := s.stamp()
		sess.Status = status
		sess.EndTime = &now
		sess.DurationSeconds = int64(now.Sub(sess.StartTime).Seconds())
		sess.ErrorDetails = details
		return nil
	})
}

func (s *Store) mutatePhase(name string, fn func(*PhaseExecution)) error {
	return s.mutate(func(sess *Session) error {
		p := sess.phase(name)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrUnknownPhase, name)
		}
		fn(p)
		return nil
	})
}

// mutate applies fn to a copy of the current session and swaps it in only
// after the copy has been persisted.
func (s *Store) mutate(fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoSession
	}
	if s.current.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, s.current)
	}
	next := s.current.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.write(&next); err != nil {
		return err
	}
	s.current = &next
	return nil
}

// write persists sess atomically and notifies the indexer. Callers hold mu.
func (s *Store) write(sess *Session) error {
	if s.persistent {
		data, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return fmt.Errorf("session: marshal: %w", err)
		}
		if err := writeAtomic(s.Path(sess.SessionID), append(data, '\n')); err != nil {
			return fmt.Errorf("session: write %s: %w", sess.SessionID, err)
		}
	}
	if s.indexer != nil {
		if err := s.indexer.IndexSession(context.Background(), sess.Clone()); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sess.SessionID).Msg("session index update failed")
		}
	}
	return nil
}

// Read loads and validates a persisted session without making it current.
func (s *Store) Read(id string) (Session, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return Session{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Session{}, fmt.Errorf("session: read %s: %w", id, err)
	}
	return decode(data)
}

// List returns every readable session, newest first. Records that fail
// validation are logged and skipped.
func (s *Store) List() ([]Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: list: %w", err)
	}
	var out []Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		sess, err := s.Read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", e.Name()).Msg("skipping session record")
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

// Remove deletes a persisted session record.
func (s *Store) Remove(id string) error {
	if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: remove %s: %w", id, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-session-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0644); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

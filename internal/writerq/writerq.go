// Package writerq serializes writes to the session index through a single
// goroutine. Each submitted unit is a group of statements applied in one
// transaction; units submitted close together share a flush.
package writerq

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultQueueSize     = 256
	DefaultFlushInterval = 25 * time.Millisecond
	DefaultMaxBatch      = 64
	MaxPanics            = 3 // after this many writer panics the queue stops accepting work
)

// ErrClosed is returned by Submit after Close or after the writer gave up.
var ErrClosed = errors.New("writerq: queue closed")

// Stmt is one SQL statement with its arguments.
type Stmt struct {
	SQL  string
	Args []any
}

type unit struct {
	stmts  []Stmt
	result chan error
}

// Queue is a single-writer queue in front of a *sql.DB.
type Queue struct {
	db            *sql.DB
	units         chan unit
	stop          chan struct{}
	done          chan struct{}
	flushInterval time.Duration
	maxBatch      int
	abortPath     string
	logger        zerolog.Logger

	mu     sync.Mutex
	closed bool
	panics int
}

// Option configures a Queue.
type Option func(*Queue)

// WithAbortMarker names a file the queue creates when the writer has
// panicked MaxPanics times, so a watching run can stop.
func WithAbortMarker(path string) Option {
	return func(q *Queue) { q.abortPath = path }
}

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func WithFlushInterval(d time.Duration) Option {
	return func(q *Queue) { q.flushInterval = d }
}

// New starts the writer goroutine. Close must be called to stop it.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:            db,
		units:         make(chan unit, DefaultQueueSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		flushInterval: DefaultFlushInterval,
		maxBatch:      DefaultMaxBatch,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.loop()
	return q
}

// Submit runs a single statement.
func (q *Queue) Submit(ctx context.Context, query string, args ...any) error {
	return q.SubmitTx(ctx, Stmt{SQL: query, Args: args})
}

// SubmitTx runs stmts atomically and blocks until they are committed or
// rejected. A full queue blocks the caller.
func (q *Queue) SubmitTx(ctx context.Context, stmts ...Stmt) error {
	if len(stmts) == 0 {
		return nil
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	u := unit{stmts: stmts, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	case q.units <- u:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-u.result:
		return err
	case <-q.done:
		select {
		case err := <-u.result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close drains pending work and stops the writer. It is safe to call more
// than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.stop)
	}
	q.mu.Unlock()
	<-q.done
	return nil
}

func (q *Queue) loop() {
	defer close(q.done)

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	pending := make([]unit, 0, q.maxBatch)
	flush := func() bool {
		if len(pending) == 0 {
			return true
		}
		ok := q.flush(pending)
		pending = pending[:0]
		return ok
	}

	for {
		select {
		case u := <-q.units:
			pending = append(pending, u)
			if len(pending) >= q.maxBatch && !flush() {
				q.giveUp()
				return
			}
		case <-ticker.C:
			if !flush() {
				q.giveUp()
				return
			}
		case <-q.stop:
		drain:
			for {
				select {
				case u := <-q.units:
					pending = append(pending, u)
				default:
					break drain
				}
			}
			flush()
			return
		}
	}
}

// flush applies each unit in its own transaction. It reports false once the
// writer has panicked too often.
func (q *Queue) flush(batch []unit) (ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			for _, u := range batch {
				select {
				case u.result <- errors.New("writerq: writer panicked"):
				default:
				}
			}
			q.mu.Lock()
			q.panics++
			n := q.panics
			q.mu.Unlock()
			q.logger.Error().Interface("panic", r).Int("panics", n).Msg("index writer panicked")
			ok = n < MaxPanics
		}
	}()

	for _, u := range batch {
		u.result <- q.apply(u.stmts)
	}
	return ok
}

func (q *Queue) apply(stmts []Stmt) error {
	tx, err := q.db.Begin()
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s.SQL, s.Args...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// giveUp rejects queued work and drops the abort marker.
func (q *Queue) giveUp() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	for {
		select {
		case u := <-q.units:
			u.result <- ErrClosed
		default:
			if q.abortPath != "" {
				_ = os.MkdirAll(filepath.Dir(q.abortPath), 0755)
				_ = os.WriteFile(q.abortPath, []byte("writerq: index writer failed repeatedly\n"), 0644)
			}
			return
		}
	}
}

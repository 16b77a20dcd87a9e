// Package statedb is the SQLite index of provisioning sessions. The JSON
// session records remain the source of truth; the index answers history and
// "latest session" queries without reading every record.
package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lyndonlyu/hostprov/internal/migration"
	"github.com/lyndonlyu/hostprov/internal/session"
	"github.com/lyndonlyu/hostprov/internal/writerq"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("statedb: not found")

// SessionRow is one indexed session.
type SessionRow struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	StartedAt       string `json:"started_at"` // RFC3339
	EndedAt         string `json:"ended_at"`   // RFC3339 or empty
	DurationSeconds int64  `json:"duration_seconds"`
	PhaseCount      int    `json:"phase_count"`
	ErrorDetails    string `json:"error_details,omitempty"`
}

// PhaseRun is one phase's outcome within a session.
type PhaseRun struct {
	SessionID  string `json:"session_id"`
	Phase      string `json:"phase"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	Actions    int    `json:"actions"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// PhaseStat aggregates completed runs of one phase across sessions.
type PhaseStat struct {
	Phase         string  `json:"phase"`
	Runs          int     `json:"runs"`
	Failures      int     `json:"failures"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// DB wraps the index database. Writes go through a writerq.Queue.
type DB struct {
	db    *sql.DB
	path  string
	queue *writerq.Queue
}

// schema lists the index migrations. Append only; never edit a released step.
var schema = mustSchema(
	migration.Migration{Version: 1, Description: "sessions and phase runs", SQL: `
		CREATE TABLE sessions (
			id               TEXT PRIMARY KEY,
			status           TEXT NOT NULL,
			started_at       TEXT NOT NULL,
			ended_at         TEXT NOT NULL DEFAULT '',
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			phase_count      INTEGER NOT NULL DEFAULT 0,
			error_details    TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE phase_runs (
			session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			phase       TEXT NOT NULL,
			status      TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			actions     INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, phase)
		);
		CREATE INDEX sessions_started ON sessions(started_at);`},
	migration.Migration{Version: 2, Description: "index phase runs by phase", SQL: `
		CREATE INDEX phase_runs_phase ON phase_runs(phase, status);`},
)

func mustSchema(steps ...migration.Migration) *migration.Set {
	s, err := migration.New(steps...)
	if err != nil {
		panic(err)
	}
	return s
}

// Open creates or opens the index at path with WAL mode and a 5s busy
// timeout, and brings its schema up to date. An index written by a newer
// binary is refused with migration.ErrNewerSchema.
func Open(path string, opts ...writerq.Option) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", p, err)
		}
	}

	if _, err := schema.Migrate(context.Background(), db, migration.BackupPath(path, time.Now())); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: %w", err)
	}

	return &DB{db: db, path: path, queue: writerq.New(db, opts...)}, nil
}

// SchemaVersion reports the applied and the latest known schema version.
func (d *DB) SchemaVersion(ctx context.Context) (current, latest int, err error) {
	current, err = migration.Version(ctx, d.db)
	return current, schema.Latest(), err
}

// Close drains pending writes and closes the database.
func (d *DB) Close() error {
	d.queue.Close()
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

func rfc3339(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// IndexSession upserts the session row and replaces its phase rows in one
// transaction.
func (d *DB) IndexSession(ctx context.Context, s session.Session) error {
	stmts := []writerq.Stmt{{
		SQL: `INSERT INTO sessions (id, status, started_at, ended_at, duration_seconds, phase_count, error_details)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				ended_at = excluded.ended_at,
				duration_seconds = excluded.duration_seconds,
				phase_count = excluded.phase_count,
				error_details = excluded.error_details`,
		Args: []any{s.SessionID, string(s.Status), rfc3339(&s.StartTime), rfc3339(s.EndTime),
			s.DurationSeconds, len(s.Phases), s.ErrorDetails},
	}, {
		SQL:  `DELETE FROM phase_runs WHERE session_id = ?`,
		Args: []any{s.SessionID},
	}}
	for _, p := range s.Phases {
		stmts = append(stmts, writerq.Stmt{
			SQL: `INSERT INTO phase_runs (session_id, phase, status, attempts, actions, duration_ms, error)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
			Args: []any{s.SessionID, p.PhaseName, string(p.Status), p.Attempts, len(p.Actions),
				p.Duration().Milliseconds(), p.Error},
		})
	}
	if err := d.queue.SubmitTx(ctx, stmts...); err != nil {
		return fmt.Errorf("statedb: index session %s: %w", s.SessionID, err)
	}
	return nil
}

const sessionCols = `id, status, started_at, ended_at, duration_seconds, phase_count, error_details`

func scanSession(row interface{ Scan(...any) error }) (SessionRow, error) {
	var r SessionRow
	err := row.Scan(&r.ID, &r.Status, &r.StartedAt, &r.EndedAt, &r.DurationSeconds, &r.PhaseCount, &r.ErrorDetails)
	return r, err
}

// GetSession returns one indexed session.
func (d *DB) GetSession(id string) (SessionRow, error) {
	r, err := scanSession(d.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRow{}, ErrNotFound
		}
		return SessionRow{}, fmt.Errorf("statedb: get session: %w", err)
	}
	return r, nil
}

// LatestSession returns the most recently started session.
func (d *DB) LatestSession() (SessionRow, error) {
	r, err := scanSession(d.db.QueryRow(`SELECT ` + sessionCols + ` FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT 1`))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRow{}, ErrNotFound
		}
		return SessionRow{}, fmt.Errorf("statedb: latest session: %w", err)
	}
	return r, nil
}

// ListSessions returns sessions newest first. A limit of 0 returns all.
func (d *DB) ListSessions(limit int) ([]SessionRow, error) {
	query := `SELECT ` + sessionCols + ` FROM sessions ORDER BY started_at DESC, rowid DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = d.db.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = d.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: scan session: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows sessions: %w", err)
	}
	return out, nil
}

// PhaseRuns returns the phase rows of one session in insertion order.
func (d *DB) PhaseRuns(sessionID string) ([]PhaseRun, error) {
	rows, err := d.db.Query(
		`SELECT session_id, phase, status, attempts, actions, duration_ms, error
		 FROM phase_runs WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("statedb: phase runs: %w", err)
	}
	defer rows.Close()

	var out []PhaseRun
	for rows.Next() {
		var p PhaseRun
		if err := rows.Scan(&p.SessionID, &p.Phase, &p.Status, &p.Attempts, &p.Actions, &p.DurationMs, &p.Error); err != nil {
			return nil, fmt.Errorf("statedb: scan phase run: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows phase runs: %w", err)
	}
	return out, nil
}

// PhaseStats aggregates every phase's history. Skipped runs are excluded.
func (d *DB) PhaseStats() ([]PhaseStat, error) {
	rows, err := d.db.Query(
		`SELECT phase,
		        COUNT(*),
		        SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END),
		        COALESCE(AVG(CASE WHEN status = 'COMPLETED' THEN duration_ms END), 0)
		 FROM phase_runs
		 WHERE status != 'SKIPPED'
		 GROUP BY phase ORDER BY phase`)
	if err != nil {
		return nil, fmt.Errorf("statedb: phase stats: %w", err)
	}
	defer rows.Close()

	var out []PhaseStat
	for rows.Next() {
		var s PhaseStat
		if err := rows.Scan(&s.Phase, &s.Runs, &s.Failures, &s.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("statedb: scan phase stat: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows phase stats: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and its phase rows.
func (d *DB) DeleteSession(ctx context.Context, id string) error {
	if err := d.queue.Submit(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("statedb: delete session: %w", err)
	}
	return nil
}

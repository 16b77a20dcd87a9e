// Package migration versions a SQLite schema with PRAGMA user_version and
// applies numbered steps, each in its own transaction.
package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNewerSchema is returned when the database was written by a newer
// binary than the one opening it.
var ErrNewerSchema = errors.New("migration: database schema is newer than this binary")

// Migration is one schema step. Versions start at 1 and have no gaps.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Result describes one Migrate call.
type Result struct {
	From    int
	To      int
	Applied int
	Backup  string // empty when nothing was applied or the database was new
}

// Set is an ordered list of migrations.
type Set struct {
	steps []Migration
}

// New checks that versions run 1, 2, 3 ... in order.
func New(steps ...Migration) (*Set, error) {
	for i, m := range steps {
		if m.Version != i+1 {
			return nil, fmt.Errorf("migration: step %d has version %d, want %d", i, m.Version, i+1)
		}
	}
	return &Set{steps: steps}, nil
}

// Latest returns the highest version, or 0 for an empty set.
func (s *Set) Latest() int { return len(s.steps) }

// Version reads PRAGMA user_version.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("migration: read user_version: %w", err)
	}
	return v, nil
}

// Pending returns the steps above the database's current version.
func (s *Set) Pending(ctx context.Context, db *sql.DB) ([]Migration, error) {
	current, err := Version(ctx, db)
	if err != nil {
		return nil, err
	}
	if current > s.Latest() {
		return nil, fmt.Errorf("%w: v%d > v%d", ErrNewerSchema, current, s.Latest())
	}
	return s.steps[current:], nil
}

// Migrate applies every pending step. An existing database (version > 0) is
// copied to backupPath first when backupPath is not empty.
func (s *Set) Migrate(ctx context.Context, db *sql.DB, backupPath string) (*Result, error) {
	current, err := Version(ctx, db)
	if err != nil {
		return nil, err
	}
	res := &Result{From: current, To: current}
	pending, err := s.Pending(ctx, db)
	if err != nil || len(pending) == 0 {
		return res, err
	}

	if current > 0 && backupPath != "" {
		if err := Backup(ctx, db, backupPath); err != nil {
			return res, err
		}
		res.Backup = backupPath
	}

	for _, m := range pending {
		if err := apply(ctx, db, m); err != nil {
			return res, err
		}
		res.To = m.Version
		res.Applied++
	}
	return res, nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration: v%d: begin: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration: v%d (%s): %w", m.Version, m.Description, err)
	}
	// PRAGMA does not take bound parameters; Version is an int.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("migration: v%d: set user_version: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration: v%d: commit: %w", m.Version, err)
	}
	return nil
}

// Backup writes a consistent copy of db to path with VACUUM INTO, which
// includes pages still in the WAL. An existing file at path is replaced.
func Backup(ctx context.Context, db *sql.DB, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("migration: backup: %w", err)
	}
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("migration: backup to %s: %w", path, err)
	}
	return nil
}

// BackupPath names a timestamped backup next to dbPath.
func BackupPath(dbPath string, now time.Time) string {
	return fmt.Sprintf("%s.bak.%d", dbPath, now.Unix())
}

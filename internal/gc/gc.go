// Package gc enforces retention on the state directory: stale checkpoints,
// old session records and archived ledgers.
package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lyndonlyu/hostprov/internal/checkpoint"
	"github.com/lyndonlyu/hostprov/internal/config"
	"github.com/lyndonlyu/hostprov/internal/session"
	"github.com/rs/zerolog"
)

// Policy defines retention rules. Zero values disable the matching rule.
type Policy struct {
	CheckpointMaxAge time.Duration // remove checkpoints older than this
	KeepSessions     int           // keep at most N finished sessions
	ArchiveMaxAge    time.Duration // remove archived ledgers older than this
	DryRun           bool          // report without deleting
}

// PolicyFrom maps the retention section of the config onto a Policy.
func PolicyFrom(rc config.RetentionConfig) Policy {
	return Policy{
		CheckpointMaxAge: rc.CheckpointMaxAge,
		KeepSessions:     rc.KeepSessions,
		ArchiveMaxAge:    rc.ArchiveMaxAge,
	}
}

// Result tracks what was cleaned up.
type Result struct {
	CheckpointsRemoved int   `json:"checkpoints_removed"`
	SessionsRemoved    int   `json:"sessions_removed"`
	ArchivesRemoved    int   `json:"archives_removed"`
	BytesFreed         int64 `json:"bytes_freed"`
}

// SessionDeleter drops a session from the index.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, id string) error
}

// Targets are the stores a collection pass works on. Nil stores and an empty
// ArchiveDir are skipped.
type Targets struct {
	Checkpoints *checkpoint.Store
	Sessions    *session.Store
	Index       SessionDeleter
	ArchiveDir  string
}

// Collector runs retention passes.
type Collector struct {
	policy Policy
	logger zerolog.Logger
	now    func() time.Time
}

// New returns a Collector for policy.
func New(policy Policy, logger zerolog.Logger) *Collector {
	return &Collector{policy: policy, logger: logger, now: time.Now}
}

// Run performs one retention pass over t.
func (c *Collector) Run(ctx context.Context, t Targets) (*Result, error) {
	result := &Result{}

	if t.Checkpoints != nil && c.policy.CheckpointMaxAge > 0 {
		if err := c.cleanCheckpoints(t.Checkpoints, result); err != nil {
			return result, fmt.Errorf("checkpoint cleanup: %w", err)
		}
	}
	if t.Sessions != nil && c.policy.KeepSessions > 0 {
		if err := c.cleanSessions(ctx, t.Sessions, t.Index, result); err != nil {
			return result, fmt.Errorf("session cleanup: %w", err)
		}
	}
	if t.ArchiveDir != "" && c.policy.ArchiveMaxAge > 0 {
		if err := c.cleanArchives(t.ArchiveDir, result); err != nil {
			return result, fmt.Errorf("archive cleanup: %w", err)
		}
	}

	c.logger.Info().
		Int("checkpoints", result.CheckpointsRemoved).
		Int("sessions", result.SessionsRemoved).
		Int("archives", result.ArchivesRemoved).
		Int64("bytes", result.BytesFreed).
		Bool("dry_run", c.policy.DryRun).
		Msg("retention pass finished")
	return result, nil
}

func (c *Collector) cleanCheckpoints(store *checkpoint.Store, result *Result) error {
	if !c.policy.DryRun {
		n, err := store.CleanupOlderThan(c.policy.CheckpointMaxAge)
		result.CheckpointsRemoved += n
		return err
	}
	names, err := store.List()
	if err != nil {
		return err
	}
	cutoff := c.now().Add(-c.policy.CheckpointMaxAge)
	for _, n := range names {
		cp, err := store.Get(n)
		if err != nil {
			continue
		}
		if cp.CreatedAt.Before(cutoff) {
			result.CheckpointsRemoved++
		}
	}
	return nil
}

// cleanSessions keeps the newest KeepSessions finished sessions. Sessions
// that have not reached a terminal status are never removed.
func (c *Collector) cleanSessions(ctx context.Context, store *session.Store, index SessionDeleter, result *Result) error {
	sessions, err := store.List()
	if err != nil {
		return err
	}
	kept := 0
	for _, s := range sessions {
		if !s.Status.Terminal() {
			continue
		}
		if kept < c.policy.KeepSessions {
			kept++
			continue
		}
		size := fileSize(store.Path(s.SessionID))
		if !c.policy.DryRun {
			if err := store.Remove(s.SessionID); err != nil {
				return err
			}
			if index != nil {
				if err := index.DeleteSession(ctx, s.SessionID); err != nil {
					return err
				}
			}
		}
		c.logger.Debug().Str("session_id", s.SessionID).Msg("session pruned")
		result.SessionsRemoved++
		result.BytesFreed += size
	}
	return nil
}

func (c *Collector) cleanArchives(dir string, result *Result) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := c.now().Add(-c.policy.ArchiveMaxAge)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "ledger-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if !c.policy.DryRun {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return err
			}
		}
		result.ArchivesRemoved++
		result.BytesFreed += info.Size()
	}
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

package statedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lyndonlyu/hostprov/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(t time.Time) *time.Time { return &t }

func sampleSession(id string, start time.Time, status session.Status) session.Session {
	return session.Session{
		SessionID: id,
		StartTime: start,
		Status:    status,
		Metadata:  map[string]string{},
		Phases: []session.PhaseExecution{
			{
				PhaseName: "system-prep",
				Status:    session.PhaseCompleted,
				StartTime: ptr(start),
				EndTime:   ptr(start.Add(2 * time.Second)),
				Attempts:  1,
				Actions:   []session.ActionRef{{TransactionID: "t1", Action: "a"}, {TransactionID: "t2", Action: "b"}},
			},
			{PhaseName: "rdp", Status: session.PhaseSkipped},
		},
	}
}

func TestOpenUsesWAL(t *testing.T) {
	db := openDB(t)
	var mode string
	require.NoError(t, db.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpenMigratesToLatestAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	db, err := Open(path)
	require.NoError(t, err)
	current, latest, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, latest, current)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	current, _, err = db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, latest, current)
}

func TestIndexSessionUpserts(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	s := sampleSession("sess-1", start, session.InProgress)
	require.NoError(t, db.IndexSession(ctx, s))

	row, err := db.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "IN_PROGRESS", row.Status)
	assert.Equal(t, 2, row.PhaseCount)
	assert.Empty(t, row.EndedAt)

	s.Status = session.Failed
	s.EndTime = ptr(start.Add(time.Minute))
	s.DurationSeconds = 60
	s.ErrorDetails = "rdp failed"
	require.NoError(t, db.IndexSession(ctx, s))

	row, err = db.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "FAILED", row.Status)
	assert.Equal(t, int64(60), row.DurationSeconds)
	assert.Equal(t, "rdp failed", row.ErrorDetails)

	runs, err := db.PhaseRuns("sess-1")
	require.NoError(t, err)
	require.Len(t, runs, 2, "phase rows are replaced, not duplicated")
	assert.Equal(t, "system-prep", runs[0].Phase)
	assert.Equal(t, 2, runs[0].Actions)
	assert.Equal(t, int64(2000), runs[0].DurationMs)
}

func TestLatestAndList(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	_, err := db.LatestSession()
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.IndexSession(ctx, sampleSession("old", base, session.Completed)))
	require.NoError(t, db.IndexSession(ctx, sampleSession("new", base.Add(time.Hour), session.InProgress)))

	latest, err := db.LatestSession()
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ID)

	rows, err := db.ListSessions(0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "new", rows[0].ID)

	rows, err = db.ListSessions(1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPhaseStats(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.IndexSession(ctx, sampleSession("a", base, session.Completed)))
	failed := sampleSession("b", base.Add(time.Hour), session.Failed)
	failed.Phases[0].Status = session.PhaseFailed
	require.NoError(t, db.IndexSession(ctx, failed))

	stats, err := db.PhaseStats()
	require.NoError(t, err)
	require.Len(t, stats, 1, "skipped runs are not counted")
	assert.Equal(t, "system-prep", stats[0].Phase)
	assert.Equal(t, 2, stats[0].Runs)
	assert.Equal(t, 1, stats[0].Failures)
	assert.InDelta(t, 2000, stats[0].AvgDurationMs, 0.1)
}

func TestDeleteSessionCascades(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	require.NoError(t, db.IndexSession(ctx, sampleSession("gone", time.Now(), session.Completed)))
	require.NoError(t, db.DeleteSession(ctx, "gone"))

	_, err := db.GetSession("gone")
	assert.ErrorIs(t, err, ErrNotFound)
	runs, err := db.PhaseRuns("gone")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSessionStoreIndexesThroughHook(t *testing.T) {
	db := openDB(t)
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions"), session.WithIndexer(db))
	require.NoError(t, err)

	id, err := store.InitSession()
	require.NoError(t, err)
	require.NoError(t, store.Start())
	require.NoError(t, store.UpdatePhase("system-prep", session.PhaseRunning))
	require.NoError(t, store.UpdatePhase("system-prep", session.PhaseCompleted))
	require.NoError(t, store.Finalize(session.Completed, ""))

	row, err := db.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", row.Status)
	assert.Equal(t, 1, row.PhaseCount)
}

func TestFormatSessionList(t *testing.T) {
	assert.Equal(t, "No sessions recorded.\n", FormatSessionList(nil))
	out := FormatSessionList([]SessionRow{{ID: "0123456789abcdef", Status: "COMPLETED", PhaseCount: 4, StartedAt: "2026-03-01T09:00:00Z", EndedAt: "2026-03-01T09:01:00Z", DurationSeconds: 60}})
	assert.Contains(t, out, "01234567 ")
	assert.Contains(t, out, "1m0s")
}

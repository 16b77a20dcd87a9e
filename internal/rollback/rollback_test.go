package rollback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lyndonlyu/hostprov/internal/action"
	"github.com/lyndonlyu/hostprov/internal/ledger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []action.Action
	failOn  map[string]bool
	unmet   map[string]bool
}

func (r *recordingApplier) Apply(ctx context.Context, a action.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.applied = append(r.applied, a)
	if r.failOn[a.String()] {
		return errors.New("boom")
	}
	return nil
}

func (r *recordingApplier) Check(_ context.Context, a action.Action) error {
	if r.unmet[a.String()] {
		return errors.New("postcondition not met")
	}
	return nil
}

func setup(t *testing.T) (*ledger.Ledger, *recordingApplier, *Engine) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.jsonl"), zerolog.Nop())
	require.NoError(t, err)
	a := &recordingApplier{failOn: map[string]bool{}, unmet: map[string]bool{}}
	return l, a, New(l, a, zerolog.Nop())
}

func TestExecuteReverseOrder(t *testing.T) {
	l, a, e := setup(t)
	require.NoError(t, l.Record("A", action.NewRemoveFile("/tmp/a")))
	require.NoError(t, l.Record("B", action.NewRemoveFile("/tmp/b")))
	require.NoError(t, l.Record("C", action.NewRemoveFile("/tmp/c")))

	failed, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []action.Action{
		action.NewRemoveFile("/tmp/c"),
		action.NewRemoveFile("/tmp/b"),
		action.NewRemoveFile("/tmp/a"),
	}, a.applied)

	res := e.LastResult()
	assert.Equal(t, 3, res.Executed)
	assert.Equal(t, 0, l.Count(), "a clean rollback clears the ledger")
	assert.FileExists(t, e.BackupPath())
}

func TestExecuteIgnoresPhaseGrouping(t *testing.T) {
	l, a, e := setup(t)
	_, err := l.RecordFor("editor-a", "a1", action.NewRunCommand("a1"))
	require.NoError(t, err)
	_, err = l.RecordFor("editor-b", "b1", action.NewRunCommand("b1"))
	require.NoError(t, err)
	_, err = l.RecordFor("editor-a", "a2", action.NewRunCommand("a2"))
	require.NoError(t, err)

	_, err = e.Execute(context.Background())
	require.NoError(t, err)
	var argv []string
	for _, x := range a.applied {
		argv = append(argv, x.Argv[0])
	}
	assert.Equal(t, []string{"a2", "b1", "a1"}, argv)
	assert.Equal(t, []string{"editor-a", "editor-b"}, e.LastResult().Phases)
}

func TestExecuteContinuesPastFailures(t *testing.T) {
	l, a, e := setup(t)
	require.NoError(t, l.Record("A", action.NewStopService("a")))
	require.NoError(t, l.Record("B", action.NewStopService("b")))
	require.NoError(t, l.Record("C", action.NewStopService("c")))
	a.failOn["stop service b"] = true

	failed, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Len(t, a.applied, 3, "every step is attempted")

	res := e.LastResult()
	assert.Equal(t, 2, res.Executed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "B", res.Failures[0].Action)
	assert.Equal(t, 3, l.Count(), "ledger is kept after a partial unwind")
}

func TestExecuteCountsCorruptEntries(t *testing.T) {
	l, a, e := setup(t)
	require.NoError(t, l.Record("A", action.NewRunCommand("true")))
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	failed, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Len(t, a.applied, 1)
}

func TestExecuteRunsAfterCancellation(t *testing.T) {
	l, a, e := setup(t)
	require.NoError(t, l.Record("A", action.NewRunCommand("true")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	failed, err := e.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.Len(t, a.applied, 1)
}

func TestExecuteEmptyLedger(t *testing.T) {
	_, a, e := setup(t)
	failed, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.Empty(t, a.applied)
}

func TestExecuteBackupFailure(t *testing.T) {
	l, _, e := setup(t)
	require.NoError(t, l.Record("A", action.NewRunCommand("true")))
	require.NoError(t, os.Mkdir(e.BackupPath(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(e.BackupPath(), "x"), nil, 0644))

	_, err := e.Execute(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, l.Count())
}

func TestVerifyReportsMismatches(t *testing.T) {
	l, a, e := setup(t)
	require.NoError(t, l.Record("installed xrdp", action.NewUninstallPackage("xrdp")))
	require.NoError(t, l.Record("started xrdp", action.NewStopService("xrdp")))
	_, err := e.Execute(context.Background())
	require.NoError(t, err)

	a.unmet["uninstall package xrdp"] = true
	mismatches, err := e.Verify(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, action.NewUninstallPackage("xrdp"), mismatches[0].Rollback)
	assert.Contains(t, mismatches[0].String(), "postcondition not met")
}

func TestVerifyChecksFinalStatePerTarget(t *testing.T) {
	l, a, e := setup(t)
	require.NoError(t, l.Record("created /etc/x", action.NewRemoveFile("/etc/x")))
	require.NoError(t, l.Record("edited /etc/x", action.NewRestoreFile("/var/backup/x", "/etc/x")))
	_, err := e.Execute(context.Background())
	require.NoError(t, err)

	// The restore ran first and the remove ran last, so only the remove's
	// postcondition describes the final state.
	a.unmet["restore /etc/x from /var/backup/x"] = true
	mismatches, err := e.Verify(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestVerifyWithoutRollback(t *testing.T) {
	_, _, e := setup(t)
	mismatches, err := e.Verify(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

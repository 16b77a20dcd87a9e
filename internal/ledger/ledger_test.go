package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lyndonlyu/hostprov/internal/action"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "state", "ledger.jsonl"), zerolog.Nop())
	require.NoError(t, err)
	return l
}

func collect(t *testing.T, l *Ledger, block int) []string {
	t.Helper()
	var got []string
	for tx, err := range l.allReverse(block) {
		require.NoError(t, err)
		got = append(got, tx.Action)
	}
	return got
}

func TestRecordAndCount(t *testing.T) {
	l := openLedger(t)
	assert.Equal(t, 0, l.Count())

	tx, err := l.RecordFor("system-prep", "installed curl", action.NewUninstallPackage("curl"))
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.NotEmpty(t, tx.Hash)
	assert.Empty(t, tx.PrevHash)
	assert.Equal(t, "system-prep", tx.Phase)

	require.NoError(t, l.Record("wrote /etc/motd", action.NewRemoveFile("/etc/motd")))
	assert.Equal(t, 2, l.Count())
}

func TestRecordRejectsEmptyFields(t *testing.T) {
	l := openLedger(t)
	assert.ErrorIs(t, l.Record("", action.NewRemoveFile("/x")), ErrEmptyAction)
	assert.ErrorIs(t, l.Record("  ", action.NewRemoveFile("/x")), ErrEmptyAction)
	assert.ErrorIs(t, l.Record("did something", action.Action{}), ErrEmptyRollback)
	assert.ErrorIs(t, l.Record("did something", action.Action{Type: "nope"}), action.ErrInvalid)
	assert.Equal(t, 0, l.Count())
}

func TestAllReverseIsLIFO(t *testing.T) {
	l := openLedger(t)
	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, l.Record(name, action.NewRemoveFile("/tmp/"+name)))
	}
	assert.Equal(t, []string{"C", "B", "A"}, collect(t, l, defaultBlockSize))
}

func TestAllReverseSmallBlocks(t *testing.T) {
	l := openLedger(t)
	var want []string
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("step-%02d-%s", i, strings.Repeat("x", i))
		require.NoError(t, l.Record(name, action.NewRunCommand("true")))
		want = append([]string{name}, want...)
	}
	for _, block := range []int{1, 7, 64, 4096} {
		assert.Equal(t, want, collect(t, l, block), "block size %d", block)
	}
}

func TestAllReverseEarlyStop(t *testing.T) {
	l := openLedger(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(fmt.Sprintf("s%d", i), action.NewRunCommand("true")))
	}
	n := 0
	for range l.AllReverse() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestAllReverseMissingFile(t *testing.T) {
	l := openLedger(t)
	for range l.AllReverse() {
		t.Fatal("expected no entries")
	}
}

func TestAllReverseYieldsParseErrors(t *testing.T) {
	l := openLedger(t)
	require.NoError(t, l.Record("first", action.NewRunCommand("true")))
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var errs, ok int
	for _, err := range l.AllReverse() {
		if err != nil {
			assert.ErrorIs(t, err, ErrCorruptEntry)
			errs++
		} else {
			ok++
		}
	}
	assert.Equal(t, 1, errs)
	assert.Equal(t, 1, ok)
}

func TestConcurrentRecordKeepsChain(t *testing.T) {
	l := openLedger(t)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := l.RecordFor(fmt.Sprintf("editor-%d", w), fmt.Sprintf("w%d-%d", w, i), action.NewRunCommand("true"))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 100, l.Count())
	require.NoError(t, l.VerifyChain())
	all, err := l.All()
	require.NoError(t, err)
	assert.Len(t, all, 100)
}

func TestReopenContinuesChain(t *testing.T) {
	l := openLedger(t)
	require.NoError(t, l.Record("one", action.NewRunCommand("true")))

	l2, err := Open(l.Path(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, l2.Count())
	require.NoError(t, l2.Record("two", action.NewRunCommand("true")))
	require.NoError(t, l2.VerifyChain())
}

func TestReloadTruncatesTornTail(t *testing.T) {
	l := openLedger(t)
	require.NoError(t, l.Record("one", action.NewRunCommand("true")))
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"half-writ`)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	before, err := os.Stat(l.Path())
	require.NoError(t, err)

	l2, err := Open(l.Path(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, l2.Count())
	after, err := os.Stat(l.Path())
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size(), "Open must not modify the file")

	require.NoError(t, l2.Reload())
	assert.Equal(t, 1, l2.Count())
	require.NoError(t, l2.VerifyChain())
}

func TestReloadDropsStateCachedBeforeLock(t *testing.T) {
	a := openLedger(t)
	require.NoError(t, a.Record("one", action.NewRunCommand("true")))

	b, err := Open(a.Path(), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, a.Record("two", action.NewRunCommand("true")))
	_, err = a.Archive(filepath.Join(filepath.Dir(a.Path()), "archive"), "s1")
	require.NoError(t, err)

	require.NoError(t, b.Reload())
	assert.Equal(t, 0, b.Count())
	require.NoError(t, b.Record("three", action.NewRunCommand("true")))
	assert.Equal(t, 1, b.Count())
	require.NoError(t, b.VerifyChain())
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	l := openLedger(t)
	require.NoError(t, l.Record("one", action.NewRemoveFile("/tmp/one")))
	require.NoError(t, l.Record("two", action.NewRemoveFile("/tmp/two")))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "/tmp/one", "/tmp/evil", 1)
	require.NoError(t, os.WriteFile(l.Path(), []byte(tampered), 0644))

	assert.ErrorIs(t, l.VerifyChain(), ErrChainBroken)
}

func TestClearAndBackup(t *testing.T) {
	l := openLedger(t)
	require.NoError(t, l.Record("one", action.NewRunCommand("true")))

	backup := l.Path() + ".pre-rollback"
	require.NoError(t, l.Backup(backup))
	orig, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	copied, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, orig, copied)

	require.NoError(t, l.Clear())
	assert.Equal(t, 0, l.Count())
	assert.NoFileExists(t, l.Path())

	tx, err := l.RecordFor("", "after clear", action.NewRunCommand("true"))
	require.NoError(t, err)
	assert.Empty(t, tx.PrevHash, "a cleared ledger starts a new chain")
}

func TestArchive(t *testing.T) {
	l := openLedger(t)
	dir := filepath.Join(t.TempDir(), "archive")

	path, err := l.Archive(dir, "empty")
	require.NoError(t, err)
	assert.Empty(t, path)

	require.NoError(t, l.Record("one", action.NewRunCommand("true")))
	path, err = l.Archive(dir, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ledger-sess-1.jsonl"), path)
	assert.FileExists(t, path)
	assert.Equal(t, 0, l.Count())
}

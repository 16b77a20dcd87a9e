package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	return s
}

func TestCreateExistsValidate(t *testing.T) {
	s := newStore(t)
	assert.False(t, s.Exists("system-prep"))

	require.NoError(t, s.Create("system-prep"))
	assert.True(t, s.Exists("system-prep"))
	require.NoError(t, s.Validate("system-prep"))

	cp, err := s.Get("system-prep")
	require.NoError(t, err)
	assert.Equal(t, "system-prep", cp.Name)
	assert.False(t, cp.CreatedAt.IsZero())
	assert.NotEmpty(t, cp.Host)
}

func TestOnDiskFieldNames(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Create("desktop-env"))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "desktop-env.checkpoint"))
	require.NoError(t, err)
	for _, key := range []string{"CHECKPOINT_NAME", "CREATED_AT", "HOSTNAME", "USER"} {
		assert.Contains(t, string(data), key)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Create("rdp"))
	first, err := s.Get("rdp")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, s.Create("rdp"))
	second, err := s.Get("rdp")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "existing checkpoint is never mutated")
}

func TestValidateRejectsIncompleteRecord(t *testing.T) {
	s := newStore(t)
	path := filepath.Join(s.Dir(), "broken.checkpoint")
	require.NoError(t, os.WriteFile(path, []byte(`{"HOSTNAME":"h"}`), 0644))

	err := s.Validate("broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHECKPOINT_NAME")
	assert.Contains(t, err.Error(), "CREATED_AT")
}

func TestValidateMissing(t *testing.T) {
	s := newStore(t)
	assert.ErrorIs(t, s.Validate("nope"), ErrNotFound)
}

func TestInvalidNames(t *testing.T) {
	s := newStore(t)
	for _, name := range []string{"", "../etc", "a/b", ".hidden", "a..b"} {
		assert.ErrorIs(t, s.Create(name), ErrInvalidName, name)
		assert.False(t, s.Exists(name))
	}
}

func TestClearAndClearAll(t *testing.T) {
	s := newStore(t)
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(n))
	}

	require.NoError(t, s.Clear("b"))
	require.NoError(t, s.Clear("b"), "clearing twice is fine")

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, names)

	count, err := s.ClearAll()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	names, err = s.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestListIgnoresStrayFiles(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Create("editor-vscode"))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0644))

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"editor-vscode"}, names)
}

func TestCleanupOlderThan(t *testing.T) {
	s := newStore(t)
	now := time.Now()

	s.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, s.Create("old"))
	s.now = func() time.Time { return now }
	require.NoError(t, s.Create("fresh"))

	removed, err := s.CleanupOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, s.Exists("old"))
	assert.True(t, s.Exists("fresh"))
}

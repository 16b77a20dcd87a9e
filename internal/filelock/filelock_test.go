package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "hostprov.lock")
}

func TestAcquireAndRelease(t *testing.T) {
	path := lockPath(t)
	l := New(path)

	require.NoError(t, l.Acquire(context.Background(), 0))

	meta, err := l.Holder()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), meta.PID)
	assert.False(t, meta.AcquiredAt.IsZero())

	require.NoError(t, l.Release())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "lock file should be removed")

	_, err = l.Holder()
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestAcquireIsReentrantForSamePID(t *testing.T) {
	l := New(lockPath(t))
	require.NoError(t, l.Acquire(context.Background(), 0))
	require.NoError(t, l.Acquire(context.Background(), 0))

	require.NoError(t, l.Release())
	_, err := os.Stat(l.Path())
	require.NoError(t, err, "inner Release must keep the lock file")

	require.NoError(t, l.Release())
	_, err = os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireFailsWhenHeldByLiveProcess(t *testing.T) {
	path := lockPath(t)
	holder := New(path, WithPID(os.Getppid()))
	require.NoError(t, holder.Acquire(context.Background(), 0))

	l := New(path)
	err := l.Acquire(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Contains(t, err.Error(), fmt.Sprintf("held by PID %d", os.Getppid()))
}

func TestConcurrentAcquireExactlyOneWinner(t *testing.T) {
	path := lockPath(t)
	pids := []int{os.Getpid(), os.Getppid()}

	var wg sync.WaitGroup
	errs := make([]error, len(pids))
	for i, pid := range pids {
		wg.Add(1)
		go func(i, pid int) {
			defer wg.Done()
			errs[i] = New(path, WithPID(pid)).Acquire(context.Background(), 0)
		}(i, pid)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrLocked)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestStaleLockIsReclaimed(t *testing.T) {
	path := lockPath(t)
	require.NoError(t, os.WriteFile(path, []byte("99999\n2024-01-01T00:00:00Z\n"), 0644))

	l := New(path, WithLivenessCheck(func(pid int) bool { return pid == os.Getpid() }))
	assert.True(t, l.IsStale())

	require.NoError(t, l.Acquire(context.Background(), 0))
	meta, err := l.Holder()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), meta.PID)
	assert.False(t, l.IsStale())
}

func TestStaleLockOfExitedProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	deadPID := cmd.Process.Pid

	path := lockPath(t)
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", deadPID)), 0644))

	l := New(path)
	require.NoError(t, l.Acquire(context.Background(), 0))
	meta, err := l.Holder()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), meta.PID)
}

func TestUnreadableLockIsReclaimed(t *testing.T) {
	path := lockPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))

	l := New(path)
	assert.True(t, l.IsStale())
	require.NoError(t, l.Acquire(context.Background(), 0))
}

func TestReleaseDoesNotRemoveForeignLock(t *testing.T) {
	path := lockPath(t)
	other := New(path, WithPID(os.Getppid()))
	require.NoError(t, other.Acquire(context.Background(), 0))

	l := New(path)
	require.NoError(t, l.Release(), "mismatched owner is a no-op, not an error")

	meta, err := l.Holder()
	require.NoError(t, err)
	assert.Equal(t, os.Getppid(), meta.PID)
}

func TestForceReleaseRemovesForeignLock(t *testing.T) {
	path := lockPath(t)
	other := New(path, WithPID(os.Getppid()))
	require.NoError(t, other.Acquire(context.Background(), 0))

	l := New(path)
	require.NoError(t, l.ForceRelease())
	_, err := l.Holder()
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := lockPath(t)
	other := New(path, WithPID(os.Getppid()))
	require.NoError(t, other.Acquire(context.Background(), 0))

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = other.Release()
	}()

	l := New(path, WithPollInterval(20*time.Millisecond))
	require.NoError(t, l.Acquire(context.Background(), 5*time.Second))
}

func TestAcquireWaitTimesOut(t *testing.T) {
	path := lockPath(t)
	other := New(path, WithPID(os.Getppid()))
	require.NoError(t, other.Acquire(context.Background(), 0))

	l := New(path, WithPollInterval(10*time.Millisecond))
	start := time.Now()
	err := l.Acquire(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrLocked)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-5))
}

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool(t *testing.T) {
	assert.Equal(t, 3, New(3).MaxWorkers())
	assert.Equal(t, 4, New(0).MaxWorkers())
	assert.Equal(t, 4, New(-1).MaxWorkers())
}

func TestRunAllJobs(t *testing.T) {
	var count atomic.Int32
	jobs := make([]Job, 10)
	for i := range jobs {
		jobs[i] = Job{Name: fmt.Sprintf("editor-%d", i), Run: func(context.Context) error {
			count.Add(1)
			return nil
		}}
	}

	results := New(3).Run(context.Background(), jobs)
	require.Len(t, results, 10)
	assert.Equal(t, int32(10), count.Load())
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("editor-%d", i), r.Name)
		assert.NoError(t, r.Err)
		assert.False(t, r.Skipped)
	}
}

func TestRunRespectsLimit(t *testing.T) {
	var running, peak atomic.Int32
	jobs := make([]Job, 8)
	for i := range jobs {
		jobs[i] = Job{Name: fmt.Sprint(i), Run: func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		}}
	}

	New(2).Run(context.Background(), jobs)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestRunCollectsErrors(t *testing.T) {
	boom := errors.New("boom")
	results := New(2).Run(context.Background(), []Job{
		{Name: "ok", Run: func(context.Context) error { return nil }},
		{Name: "bad", Run: func(context.Context) error { return boom }},
	})
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
}

func TestCancelSkipsWaitingJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once
	jobs := []Job{
		{Name: "first", Run: func(context.Context) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		}},
		{Name: "second", Run: func(context.Context) error { return nil }},
	}

	done := make(chan []Result)
	go func() { done <- New(1).Run(ctx, jobs) }()

	<-started
	cancel()
	close(release)
	results := <-done

	assert.False(t, results[0].Skipped, "a started job finishes")
	assert.NoError(t, results[0].Err)
	assert.True(t, results[1].Skipped)
	assert.ErrorIs(t, results[1].Err, context.Canceled)
}

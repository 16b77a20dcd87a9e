// Package pool runs a set of independent jobs with bounded concurrency.
package pool

import (
	"context"
	"sync"
)

// Job is one unit of work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result is the outcome of one job. Skipped is set when the job never
// started because ctx was cancelled first.
type Result struct {
	Name    string
	Err     error
	Skipped bool
}

// Pool bounds how many jobs run at once.
type Pool struct {
	maxWorkers int
}

// New creates a Pool. If maxWorkers is <= 0, it defaults to 4.
func New(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Pool{maxWorkers: maxWorkers}
}

func (p *Pool) MaxWorkers() int { return p.maxWorkers }

// Run executes every job and returns results in job order. A job that has
// started always runs to completion; cancellation only prevents jobs that
// are still waiting for a worker slot from starting.
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	sem := make(chan struct{}, p.maxWorkers)
	var wg sync.WaitGroup

	for i, job := range jobs {
		results[i].Name = job.Name

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i].Skipped = true
			results[i].Err = ctx.Err()
			continue
		}
		if ctx.Err() != nil {
			<-sem
			results[i].Skipped = true
			results[i].Err = ctx.Err()
			continue
		}

		wg.Add(1)
		go func(i int, job Job) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i].Err = job.Run(ctx)
		}(i, job)
	}

	wg.Wait()
	return results
}

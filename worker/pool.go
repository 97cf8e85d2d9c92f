// Package worker runs a fixed-size pool of goroutines that pull dispatched
// jobs off the scheduler's channel and run them through the kernel's update
// pipeline, the concrete replacement for the teacher's generic queue-backed
// worker pool.
package worker

import (
	"context"
	"sync"
	"time"

	"docwatch.dev/common"
	"docwatch.dev/kernel"
	"docwatch.dev/scheduler"
)

// Config configures the pool's concurrency and per-job timeout.
type Config struct {
	// NumWorkers is how many goroutines pull from the job channel concurrently.
	NumWorkers int
	// JobTimeout bounds a single document's update pipeline run.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 5
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	return c
}

// Pool runs NumWorkers goroutines, each looping on scheduler.Job and calling
// kernel.Update for its DocID.
type Pool struct {
	kernel *kernel.Kernel
	cfg    Config
	log    *common.ContextLogger
}

// NewPool builds a worker pool over k.
func NewPool(k *kernel.Kernel, cfg Config) *Pool {
	return &Pool{kernel: k, cfg: cfg.withDefaults(), log: common.ServiceLogger("worker", "1")}
}

// Run starts NumWorkers goroutines consuming jobs until the channel closes
// or ctx is canceled, then waits for in-flight jobs to finish before
// returning. The scheduler closes jobs when its own Run returns, so workers
// drain whatever was already dispatched instead of dropping it.
func (p *Pool) Run(ctx context.Context, jobs <-chan scheduler.Job) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id, jobs)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int, jobs <-chan scheduler.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			p.process(ctx, id, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, job scheduler.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	log := p.log.WithField("worker", workerID).WithField("doc_id", job.DocID)

	if err := p.kernel.Update(jobCtx, job.DocID); err != nil {
		log.WithError(err).Warn("update failed")
	} else {
		log.Debug("update complete")
	}

	if err := p.kernel.CompleteUpdate(ctx); err != nil {
		log.WithError(err).Warn("failed to mark update complete")
	}
}

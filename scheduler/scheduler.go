// Package scheduler periodically populates the update queue and hands due
// documents off to a worker pool, the Go analog of the original
// implementation's UpdateTaskScheduler periodic task.
package scheduler

import (
	"context"
	"time"

	"docwatch.dev/common"
	"docwatch.dev/kernel"
)

// Job is one unit of work handed to the worker pool: update a single
// tracked document.
type Job struct {
	DocID string
}

// Scheduler ticks on an interval, asking the kernel for the next due batch
// and publishing one Job per document.
type Scheduler struct {
	kernel   *kernel.Kernel
	interval time.Duration
	lock     *Lock // nil disables distributed locking (single-instance deployments)
	jobs     chan Job
	log      *common.ContextLogger
}

// Config controls the scheduler's tick interval and output channel size.
type Config struct {
	// Interval between dispatch attempts; defaults to 60s, matching the
	// original implementation's run_every.
	Interval time.Duration
	// JobBuffer sizes the channel of dispatched jobs; defaults to 64.
	JobBuffer int
	// Lock, if set, is acquired before each tick so only one scheduler
	// instance in a multi-process deployment dispatches at a time.
	Lock *Lock
}

// New builds a Scheduler. Call Run in a goroutine and range over Jobs() to
// consume dispatched work.
func New(k *kernel.Kernel, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.JobBuffer <= 0 {
		cfg.JobBuffer = 64
	}
	return &Scheduler{
		kernel:   k,
		interval: cfg.Interval,
		lock:     cfg.Lock,
		jobs:     make(chan Job, cfg.JobBuffer),
		log:      common.ServiceLogger("scheduler", "1"),
	}
}

// Jobs returns the channel of dispatched jobs. Closed when Run returns.
func (s *Scheduler) Jobs() <-chan Job { return s.jobs }

// Run ticks until ctx is canceled, closing the jobs channel on return.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.jobs)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			s.log.WithError(err).Warn("scheduler lock acquire failed")
			return
		}
		if !acquired {
			return
		}
		defer s.lock.Release(ctx)
	}

	docs, err := s.kernel.Dispatch(ctx)
	if err != nil {
		s.log.WithError(err).Warn("dispatch failed")
		return
	}
	if len(docs) == 0 {
		return
	}

	s.log.WithField("count", len(docs)).Info("dispatching documents")
	for _, doc := range docs {
		select {
		case s.jobs <- Job{DocID: doc.ID}:
		case <-ctx.Done():
			return
		}
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package workerpool runs asynchronous delivery passes on a bounded number
// of goroutines.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent tasks with a weighted semaphore. Submit never
// blocks: when every worker is busy the task is queued and picked up by
// the next worker that finishes.
type Pool struct {
	sem    *semaphore.Weighted
	size   int64
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	backlog []func()
	wg      sync.WaitGroup

	running   atomic.Int64
	queued    atomic.Uint64
	discarded atomic.Uint64
	panicked  atomic.Uint64
}

// New creates a pool of at most workers concurrent tasks.
func New(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		size:   int64(workers),
		logger: logger,
	}
}

// Submit runs task on a pool goroutine, or queues it while the pool is
// saturated. It returns false only once the pool is closed.
func (p *Pool) Submit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if !p.sem.TryAcquire(1) {
		p.backlog = append(p.backlog, task)
		p.queued.Add(1)
		return true
	}

	p.wg.Add(1)
	p.running.Add(1)
	go p.work(task)
	return true
}

// work runs task and then drains the backlog. The worker slot is given
// back under the pool lock, so a task queued by Submit always finds a
// worker.
func (p *Pool) work(task func()) {
	defer p.wg.Done()
	for task != nil {
		p.run(task)
		task = p.next()
	}
}

func (p *Pool) next() func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.backlog) > 0 && !p.closed {
		task := p.backlog[0]
		p.backlog[0] = nil
		p.backlog = p.backlog[1:]
		return task
	}
	p.running.Add(-1)
	p.sem.Release(1)
	return nil
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("worker task panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	task()
}

// Close refuses new tasks, discards queued ones and waits for running ones
// until ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	if n := len(p.backlog); n > 0 {
		p.discarded.Add(uint64(n))
		p.logger.Warn("discarding queued worker tasks", slog.Int("tasks", n))
	}
	p.backlog = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workers still running: %w", ctx.Err())
	}
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Size    int64
	Running int64
	// Pending is the number of tasks waiting for a worker.
	Pending   int
	Queued    uint64
	Discarded uint64
	Panicked  uint64
}

// Stats returns the current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending := len(p.backlog)
	p.mu.Unlock()

	return Stats{
		Size:      p.size,
		Running:   p.running.Load(),
		Pending:   pending,
		Queued:    p.queued.Load(),
		Discarded: p.discarded.Load(),
		Panicked:  p.panicked.Load(),
	}
}

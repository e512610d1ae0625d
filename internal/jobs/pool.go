// Snakehook is a package triage sandbox service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package jobs implements the bounded worker pool that runs triage jobs.
// Submission is non-blocking; a full queue is reported to the caller so
// admission can answer 503 instead of stalling the request routine.
package jobs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

// Handler processes one job end to end. Errors are terminal for the job,
// never for the worker.
type Handler func(ctx context.Context, job triage.RunJob)

// WorkerPool runs a fixed number of workers over a bounded job queue.
type WorkerPool struct {
	handler Handler
	queue   chan *triage.RunJob
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup // worker goroutines

	inflight sync.WaitGroup // accepted jobs not yet finished
}

// NewWorkerPool constructs a pool of maxConcurrency workers over a queue
// of capacity queueLimit. The pool does not run until Start is called.
func NewWorkerPool(maxConcurrency, queueLimit int, handler Handler, logger *slog.Logger) *WorkerPool {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if queueLimit < 1 {
		queueLimit = 1
	}
	return &WorkerPool{
		handler: handler,
		queue:   make(chan *triage.RunJob, queueLimit),
		workers: maxConcurrency,
		logger:  logger,
	}
}

// Start launches the worker goroutines. Calling Start on a running pool
// is a no-op.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// Stop sends one terminating sentinel per worker and waits for the
// workers to drain. Calling Stop on a stopped pool is a no-op.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.queue <- nil
	}
	p.wg.Wait()
}

// Submit offers a job to the queue without blocking. It returns false
// when the queue is full or the pool is not running. The lock is held
// across the send so a job can never be enqueued behind Stop's
// sentinels, where no worker would ever pick it up.
func (p *WorkerPool) Submit(job triage.RunJob) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return false
	}

	p.inflight.Add(1)
	select {
	case p.queue <- &job:
		return true
	default:
		p.inflight.Done()
		return false
	}
}

// WaitIdle blocks until every accepted job has completed.
func (p *WorkerPool) WaitIdle() {
	p.inflight.Wait()
}

// Snapshot reports current queue occupancy.
func (p *WorkerPool) Snapshot() triage.QueueSnapshot {
	return triage.QueueSnapshot{
		Queued:     len(p.queue),
		QueueLimit: cap(p.queue),
		Workers:    p.workers,
	}
}

func (p *WorkerPool) workerLoop(ctx context.Context, idx int) {
	defer p.wg.Done()
	for item := range p.queue {
		if item == nil {
			return
		}
		p.runOne(ctx, idx, *item)
	}
}

// runOne invokes the handler with panic isolation so a misbehaving job
// cannot take the worker down with it.
func (p *WorkerPool) runOne(ctx context.Context, idx int, job triage.RunJob) {
	defer p.inflight.Done()
	defer func() {
		if r := recover(); r != nil && p.logger != nil {
			p.logger.Error("worker recovered from handler panic",
				"worker", idx, "run_id", job.RunID, "panic", r)
		}
	}()
	p.handler(ctx, job)
}

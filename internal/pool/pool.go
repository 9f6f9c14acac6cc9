// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pool implements a soft-limited goroutine pool used to fan out the
// per-frame forward kernels (arc expansion, cutoff/keep, hash lookup and
// drain) across CPU cores without over-subscribing them. The backward pass
// does not use it.
package pool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a soft-limit worker pool: it caps the number of concurrently
// running tasks around MaxParallelism, but does not hard-block a caller that
// exceeds it other than by waiting.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond
	numRunning     int

	// extraParallelism is temporarily increased when a worker goes to sleep
	// waiting on something else, so it doesn't count against the soft limit.
	extraParallelism atomic.Int32
}

// New returns a new Pool with default parallelism (runtime.NumCPU()).
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// IsEnabled returns whether parallelism is enabled (MaxParallelism != 0).
func (p *Pool) IsEnabled() bool {
	return p.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (MaxParallelism < 0).
func (p *Pool) IsUnlimited() bool {
	return p.maxParallelism < 0
}

// MaxParallelism is a soft target for parallelism.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// SetMaxParallelism sets the soft parallelism target.
//
// Only change this before any tasks are running; behavior while tasks are
// in flight is undefined.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
}

const goroutineToParallelismRatio = 2

// lockedIsFull must be called with p.mu held.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism == 0 {
		return true
	} else if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= goroutineToParallelismRatio*p.maxParallelism+int(p.extraParallelism.Load())
}

// WaitToStart blocks until a worker slot is available, then runs task in a
// new goroutine and returns immediately (it does not wait for task to
// finish).
//
// If parallelism is disabled (MaxParallelism() == 0), task runs inline.
func (p *Pool) WaitToStart(task func()) {
	switch {
	case p.IsUnlimited():
		go task()
		return
	case p.maxParallelism == 0:
		task()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine must be called with p.mu held.
func (p *Pool) lockedRunTaskInGoroutine(task func()) {
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// WorkerIsAsleep marks the calling worker as temporarily blocked on
// something other than CPU work, freeing up its slot in the soft limit.
//
// Must be paired with WorkerRestarted.
func (p *Pool) WorkerIsAsleep() {
	p.extraParallelism.Add(1)
}

// WorkerRestarted undoes WorkerIsAsleep.
func (p *Pool) WorkerRestarted() {
	p.extraParallelism.Add(-1)
}

// Run splits [0, n) into contiguous chunks and runs fn(start, end) for each
// chunk on the pool, waiting for all chunks to complete before returning.
//
// If parallelism is disabled, fn runs once inline over the whole range.
func (p *Pool) Run(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if !p.IsEnabled() {
		fn(0, n)
		return
	}
	chunks := p.maxParallelism
	if p.IsUnlimited() || chunks <= 0 || chunks > n {
		chunks = n
	}
	chunkSize := (n + chunks - 1) / chunks

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		start, end := start, end
		p.WaitToStart(func() {
			defer wg.Done()
			fn(start, end)
		})
	}
	wg.Wait()
}

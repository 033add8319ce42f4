// File: internal/concurrency/executor.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor dispatches completion callbacks across worker goroutines.
// It stands in for the platform thread pool: callbacks for different
// connections, and for different operation kinds on the same connection,
// may run concurrently on different workers.

package concurrency

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	ErrExecutorClosed = errors.New("executor is closed")
	ErrExecutorBusy   = errors.New("executor queue is full")
)

type TaskFunc func()

// Executor manages a pool of worker goroutines.
type Executor struct {
	tasks   chan TaskFunc
	closeCh chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewExecutor creates a new Executor with the given number of workers.
func NewExecutor(numWorkers int) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	e := &Executor{
		tasks:   make(chan TaskFunc, numWorkers*64),
		closeCh: make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		e.wg.Add(1)
		go e.run()
	}
	return e
}

// Submit enqueues a task without blocking. Returns ErrExecutorBusy when
// the queue is full so callers holding locks can fall back instead of
// stalling the issue path.
func (e *Executor) Submit(task TaskFunc) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	select {
	case e.tasks <- task:
		return nil
	case <-e.closeCh:
		return ErrExecutorClosed
	default:
		return ErrExecutorBusy
	}
}

// Close shuts down the executor. Queued tasks are still executed so that
// already-posted completions drain before workers exit.
func (e *Executor) Close() {
	if e.closed.CompareAndSwap(false, true) {
		close(e.closeCh)
		e.wg.Wait()
	}
}

func (e *Executor) run() {
	defer e.wg.Done()
	for {
		select {
		case task := <-e.tasks:
			e.safeExecute(task)
		case <-e.closeCh:
			for {
				select {
				case task := <-e.tasks:
					e.safeExecute(task)
				default:
					return
				}
			}
		}
	}
}

func (e *Executor) safeExecute(task TaskFunc) {
	defer func() { recover() }()
	task()
}

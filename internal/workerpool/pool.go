// Package workerpool is the bounded task pool shared by the FUSE bridge and
// the sync engine. Size defaults to the hardware parallelism.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

// Pool runs submitted tasks on a fixed set of workers. After Stop, new
// submissions fail; in-flight tasks run to completion.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New starts a pool with size workers (0 = GOMAXPROCS).
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	p := &Pool{tasks: make(chan func(), size*4)}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit enqueues a task, blocking while the queue is full.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool stopped: %w", errs.ErrCancelled)
	}
	p.mu.Unlock()

	p.tasks <- task
	return nil
}

// Go runs fn on the pool and returns a channel carrying its error.
func (p *Pool) Go(fn func() error) <-chan error {
	out := make(chan error, 1)
	if err := p.Submit(func() { out <- fn() }); err != nil {
		out <- err
	}
	return out
}

// RunAll executes tasks on the pool and blocks until every one finishes.
// This is the barrier between sync phases. Cancellation stops dispatching new tasks;
// running ones complete. Returned errors are collected in task order.
func (p *Pool) RunAll(ctx context.Context, tasks []func() error) []error {
	errors := make([]error, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		if ctx.Err() != nil {
			errors[i] = fmt.Errorf("phase dispatch: %w", errs.ErrCancelled)
			continue
		}
		wg.Add(1)
		i, task := i, task
		if err := p.Submit(func() {
			defer wg.Done()
			errors[i] = task()
		}); err != nil {
			wg.Done()
			errors[i] = err
		}
	}
	wg.Wait()
	return errors
}

// Stop drains the pool: no new tasks start, in-flight tasks finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.tasks)
	p.wg.Wait()
}

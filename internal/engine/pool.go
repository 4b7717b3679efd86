package engine

import (
	"context"
	"sync"
)

// Pool is a fixed-size worker pool for CPU-bound stage execution. It exists
// so the dispatching goroutines never run pixel work themselves: they submit
// a task and keep serving admission decisions.
type Pool struct {
	tasks    chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
	workers  int
}

// NewPool starts workers goroutines pulling from an unbuffered task channel.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		tasks:   make(chan func()),
		workers: workers,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
	return p
}

func (p *Pool) workerLoop() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit hands task to a worker, blocking until one is free or ctx ends.
// A non-nil error means the task was never started.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int { return p.workers }

// Close stops accepting tasks and waits for in-flight tasks to finish.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.tasks) })
	p.wg.Wait()
}

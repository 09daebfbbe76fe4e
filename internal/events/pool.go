package events

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// pool runs async handlers with bounded concurrency.
type pool struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
}

func newPool(workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	p := &pool{sem: semaphore.NewWeighted(int64(workers))}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Go schedules fn. The caller never blocks on a free worker; done, when
// non-nil, is released once fn returns.
func (p *pool) Go(fn func(), done *sync.WaitGroup) {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()
	if done != nil {
		done.Add(1)
	}

	go func() {
		defer p.finish()
		if done != nil {
			defer done.Done()
		}
		// Background never cancels, so Acquire only returns once a slot is free.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		fn()
	}()
}

func (p *pool) finish() {
	p.mu.Lock()
	p.pending--
	if p.pending == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}

// Wait blocks until every scheduled task, including ones scheduled while
// waiting, has finished.
func (p *pool) Wait() {
	p.mu.Lock()
	for p.pending > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

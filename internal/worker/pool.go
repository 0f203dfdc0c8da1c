package worker

import (
	"sync"
	"time"
)

// Pool is a set of Workers sharing load-balanced connection assignment
//: the least-loaded worker by
// exponentially-smoothed average-queue-delay metric, ties breaking toward
// workers earlier in the round-robin than the last one picked.
type Pool struct {
	mu       sync.Mutex
	workers  []*Worker
	lastPick int
}

// NewPool builds a pool of n Workers.
func NewPool(n int) *Pool {
	p := &Pool{workers: make([]*Worker, n)}
	for i := range p.workers {
		p.workers[i] = New()
	}
	return p
}

// Workers returns the pool's Workers, e.g. for the caller to drive each
// with its own goroutine calling RunOnce in a loop.
func (p *Pool) Workers() []*Worker { return p.workers }

// Pick selects the worker a newly accepted connection should be assigned
// to: least QueueDelayEWMA, ties broken toward the worker earliest in
// round-robin order after the last pick.
func (p *Pool) Pick() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.workers)
	bestIdx := -1
	var bestDelay int64 = -1
	for i := 0; i < n; i++ {
		idx := (p.lastPick + 1 + i) % n
		delay := int64(p.workers[idx].QueueDelayEWMA())
		if bestIdx == -1 || delay < bestDelay {
			bestIdx = idx
			bestDelay = delay
		}
	}
	p.lastPick = bestIdx
	return p.workers[bestIdx]
}

// Reassign implements the UpdateWorker transition: the
// caller has already removed r from its old worker's timer wheel and
// dropped its reference count; Reassign picks the new worker via Pick and
// enqueues r onto it, returning the worker so the caller can fire
// IDEAL_PROCESSOR_CHANGED.
func (p *Pool) Reassign(r Runnable, enqueuedAt time.Time) *Worker {
	target := p.Pick()
	target.Enqueue(r, enqueuedAt)
	return target
}

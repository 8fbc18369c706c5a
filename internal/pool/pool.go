// Package pool provides a bounded-concurrency executor that maps a function
// over a batch of items, isolating each item's failure from its siblings.
package pool

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrClosed is returned by Map after Shutdown has been called.
var ErrClosed = eris.New("pool: shut down")

// Stats is a cumulative view of pool activity. All four counters are updated
// under one lock, so a reader never sees completed advance without the
// matching succeeded or failed increment.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Pool executes at most N items concurrently across Map calls. The bound is
// shared: two Map calls racing on one Pool still run at most N items total.
type Pool struct {
	sem chan struct{}

	mu     sync.Mutex
	stats  Stats
	closed bool

	wg sync.WaitGroup
}

// New creates a Pool running at most workers items at once. A non-positive
// worker count falls back to 1.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{sem: make(chan struct{}, workers)}
}

// Stats returns a snapshot of cumulative counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Shutdown stops the pool from accepting new Map calls. With wait=true it
// blocks until all in-flight work drains; with wait=false it returns
// immediately, leaving running items to finish on their own.
func (p *Pool) Shutdown(wait bool) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if wait {
		p.wg.Wait()
	}
}

// Result is the outcome of one item: the item itself, the value fn returned,
// and the error if it failed. A panic inside fn is converted into an error
// here; it never reaches the caller as a panic.
type Result[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// Success reports whether the item completed without error.
func (r Result[T, R]) Success() bool {
	return r.Err == nil
}

// Map runs fn over every item with the pool's concurrency bound and returns
// results in completion order, which bears no relation to submission order.
// It returns
// only after every item has settled; one item's error or panic never aborts
// the others.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(ctx context.Context, item T) (R, error)) ([]Result[T, R], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.stats.Submitted += int64(len(items))
	p.wg.Add(len(items))
	p.mu.Unlock()

	out := make(chan Result[T, R], len(items))

	for _, item := range items {
		go func() {
			defer p.wg.Done()
			p.sem <- struct{}{}
			defer func() { <-p.sem }()
			out <- runOne(ctx, p, item, fn)
		}()
	}

	results := make([]Result[T, R], 0, len(items))
	for range items {
		results = append(results, <-out)
	}
	return results, nil
}

func runOne[T, R any](ctx context.Context, p *Pool, item T, fn func(ctx context.Context, item T) (R, error)) (res Result[T, R]) {
	res.Item = item
	defer func() {
		if r := recover(); r != nil {
			res.Err = eris.Errorf("pool: panic: %v", r)
			zap.L().Error("pool: recovered panic in task",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		p.mu.Lock()
		p.stats.Completed++
		if res.Err == nil {
			p.stats.Succeeded++
		} else {
			p.stats.Failed++
		}
		p.mu.Unlock()
	}()

	res.Value, res.Err = fn(ctx, item)
	return res
}

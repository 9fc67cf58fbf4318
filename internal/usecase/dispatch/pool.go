// Package dispatch provides a bounded worker pool that maps a function over
// a batch of items and returns results in input order.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"fnord/internal/domain"
)

// DefaultConcurrency is used when New is given a non-positive worker count.
const DefaultConcurrency = 8

// Result is the outcome of one unit of work.
type Result[R any] struct {
	Value R
	Err   error
}

// OK reports whether the unit completed without error.
func (r Result[R]) OK() bool { return r.Err == nil }

// PanicError is the error recorded for a unit whose work function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in work unit: %v", e.Value)
}

// Pool runs submitted work on a fixed set of workers.
type Pool struct {
	jobs chan func()
	g    errgroup.Group

	mu     sync.RWMutex
	closed bool
	once   sync.Once

	concurrency int
}

// New starts a pool with the given number of workers.
func New(concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	p := &Pool{
		jobs:        make(chan func()),
		concurrency: concurrency,
	}
	for range concurrency {
		p.g.Go(func() error {
			for job := range p.jobs {
				job()
			}
			return nil
		})
	}
	return p
}

// Concurrency returns the worker count.
func (p *Pool) Concurrency() int { return p.concurrency }

// Shutdown stops accepting new submissions. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Join blocks until every worker has exited. Call Shutdown first.
func (p *Pool) Join() {
	_ = p.g.Wait()
}

// Submit runs fn over items on the pool's workers and blocks until every
// item has produced a result. results[i] always belongs to items[i].
// A panic inside fn is recovered into that item's Err.
func Submit[T, R any](p *Pool, items []T, fn func(T) (R, error)) ([]Result[R], error) {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results, nil
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, domain.ErrPoolClosed
	}

	var wg sync.WaitGroup
	wg.Add(len(items))
	for i, item := range items {
		p.jobs <- func() {
			defer wg.Done()
			results[i] = run(item, fn)
		}
	}
	p.mu.RUnlock()

	wg.Wait()
	return results, nil
}

// SubmitContext is Submit for work that takes a context.
func SubmitContext[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error)) ([]Result[R], error) {
	return Submit(p, items, func(item T) (R, error) {
		return fn(ctx, item)
	})
}

func run[T, R any](item T, fn func(T) (R, error)) (res Result[R]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[R]{Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	v, err := fn(item)
	return Result[R]{Value: v, Err: err}
}

// With creates a pool, hands it to fn and always shuts it down and joins
// it before returning, including when fn panics.
// fn must not call Submit from inside a work function on the same pool.
func With(concurrency int, fn func(*Pool) error) error {
	p := New(concurrency)
	defer func() {
		p.Shutdown()
		p.Join()
	}()
	return fn(p)
}

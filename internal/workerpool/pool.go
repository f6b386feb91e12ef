package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// PanicError is the result of a task that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }

// Pool bounds how many submitted tasks run at once.
type Pool struct {
	sem     *semaphore.Weighted
	workers int
	wg      sync.WaitGroup
}

// New returns a pool running at most workers tasks at once. A non-positive
// count means one worker per CPU.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), workers: workers}
}

func (p *Pool) Workers() int { return p.workers }

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() { p.wg.Wait() }

// Future is the pending result of a submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// Submit schedules fn on the pool. The returned future resolves with ctx's
// error when ctx ends before a worker slot frees up.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(f.done)
		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.err = err
			return
		}
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				f.err = &PanicError{Value: r, Stack: debug.Stack()}
				log.Error().Interface("panic", r).Msg("worker task panicked")
			}
		}()
		f.val, f.err = fn(ctx)
	}()
	return f
}

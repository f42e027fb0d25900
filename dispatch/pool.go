package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("dispatch: closed")

// Pool runs blocking work on goroutines other than the caller's, at most
// size at a time.
type Pool struct {
	sem  *semaphore.Weighted
	size int64

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool returns a pool running at most size tasks concurrently. A size
// below one is treated as one.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return int(p.size) }

// Task is a submitted unit of work.
type Task struct {
	done chan struct{}
	err  error
}

// Done is closed once the task's function has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx ends. The task keeps running
// when ctx ends first. A task that has already finished always reports its
// own result.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		select {
		case <-t.done:
			return t.err
		default:
			return ctx.Err()
		}
	}
}

// Submit waits for a free slot and starts fn on its own goroutine. ctx only
// bounds the wait for a slot; if it ends first, fn never runs.
func (p *Pool) Submit(ctx context.Context, fn func() error) (*Task, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return nil, err
	}

	t := &Task{done: make(chan struct{})}
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer close(t.done)
		t.err = fn()
	}()
	return t, nil
}

// Close stops accepting work and waits for running tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

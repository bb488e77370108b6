// Package throttle provides a rate- and concurrency-limited task queue that
// callers can wait on until it has fully drained.
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrClosed is returned when submitting to a closed Throttle.
var ErrClosed = errors.New("throttle closed")

// Task is one unit of throttled work.
type Task func(ctx context.Context) error

// Options configure a Throttle.
type Options struct {
	// Concurrency is the maximum number of tasks running at once.
	Concurrency int
	// Interval is the window in which at most Limit tasks are started.
	Interval time.Duration
	// Limit is the number of task starts allowed per Interval.
	Limit int
	// QueueSize bounds the number of tasks waiting to start.
	QueueSize int
}

// DefaultOptions matches the chat webhook's published rate limits.
var DefaultOptions = Options{
	Concurrency: 1,
	Interval:    1200 * time.Millisecond,
	Limit:       1,
	QueueSize:   64,
}

type job struct {
	ctx  context.Context
	task Task
}

// Throttle admits tasks in submission order through a single worker loop.
type Throttle struct {
	queue   chan job
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	pending sync.WaitGroup
	worker  sync.WaitGroup

	mu     sync.Mutex
	errs   []error
	closed bool
}

// New creates a Throttle and starts its worker loop.
func New(opts Options) *Throttle {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Limit < 1 {
		opts.Limit = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}

	every := rate.Inf
	if opts.Interval > 0 {
		every = rate.Every(opts.Interval / time.Duration(opts.Limit))
	}

	t := &Throttle{
		queue:   make(chan job, opts.QueueSize),
		limiter: rate.NewLimiter(every, opts.Limit),
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
	}
	t.worker.Add(1)
	go t.run()
	return t
}

// Submit enqueues task. It blocks while the queue is full.
func (t *Throttle) Submit(ctx context.Context, task Task) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.pending.Add(1)
	t.mu.Unlock()

	select {
	case t.queue <- job{ctx: ctx, task: task}:
		return nil
	case <-ctx.Done():
		t.pending.Done()
		return ctx.Err()
	}
}

// Wait blocks until no task is queued or running, then returns the errors
// collected since the previous Wait.
func (t *Throttle) Wait() error {
	t.pending.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	err := errors.Join(t.errs...)
	t.errs = nil
	return err
}

// Close stops accepting tasks, drains what was already submitted and stops
// the worker loop.
func (t *Throttle) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.Wait()
	close(t.queue)
	t.worker.Wait()
	return err
}

func (t *Throttle) run() {
	defer t.worker.Done()

	for j := range t.queue {
		if err := t.limiter.Wait(j.ctx); err != nil {
			t.finish(err)
			continue
		}
		if err := t.sem.Acquire(j.ctx, 1); err != nil {
			t.finish(err)
			continue
		}
		go func(j job) {
			defer t.sem.Release(1)
			t.finish(j.task(j.ctx))
		}(j)
	}
}

func (t *Throttle) finish(err error) {
	if err != nil {
		t.mu.Lock()
		t.errs = append(t.errs, err)
		t.mu.Unlock()
	}
	t.pending.Done()
}

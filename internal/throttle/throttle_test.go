package throttle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestThrottle_RunsInSubmissionOrder(t *testing.T) {
	th := New(Options{Concurrency: 1, Interval: time.Millisecond, Limit: 1, QueueSize: 4})
	defer th.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		if err := th.Submit(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
	}

	if err := th.Wait(); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	if len(order) != 10 {
		t.Fatalf("ran %d tasks, want 10", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Errorf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestThrottle_WaitBlocksUntilDrained(t *testing.T) {
	th := New(Options{Concurrency: 1, Interval: time.Millisecond, Limit: 1, QueueSize: 1})
	defer th.Close()

	var done atomic.Int32
	for i := 0; i < 3; i++ {
		_ = th.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		})
	}

	_ = th.Wait()
	if got := done.Load(); got != 3 {
		t.Errorf("completed = %d after Wait, want 3", got)
	}
}

func TestThrottle_LimitsConcurrency(t *testing.T) {
	th := New(Options{Concurrency: 2, Interval: time.Millisecond, Limit: 10, QueueSize: 8})
	defer th.Close()

	var running, peak atomic.Int32
	for i := 0; i < 8; i++ {
		_ = th.Submit(context.Background(), func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	_ = th.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestThrottle_EnforcesInterval(t *testing.T) {
	interval := 30 * time.Millisecond
	th := New(Options{Concurrency: 1, Interval: interval, Limit: 1, QueueSize: 4})
	defer th.Close()

	var mu sync.Mutex
	var starts []time.Time
	for i := 0; i < 3; i++ {
		_ = th.Submit(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return nil
		})
	}
	_ = th.Wait()

	if len(starts) != 3 {
		t.Fatalf("ran %d tasks, want 3", len(starts))
	}
	// Allow a little scheduler slack below the configured interval.
	if gap := starts[2].Sub(starts[0]); gap < 2*interval-10*time.Millisecond {
		t.Errorf("three starts spanned %v, want at least ~%v", gap, 2*interval)
	}
}

func TestThrottle_WaitReturnsTaskErrors(t *testing.T) {
	th := New(Options{Concurrency: 1, Interval: time.Millisecond, Limit: 1, QueueSize: 4})
	defer th.Close()

	errA := errors.New("post a failed")
	errB := errors.New("post b failed")
	_ = th.Submit(context.Background(), func(ctx context.Context) error { return errA })
	_ = th.Submit(context.Background(), func(ctx context.Context) error { return nil })
	_ = th.Submit(context.Background(), func(ctx context.Context) error { return errB })

	err := th.Wait()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Wait() = %v, want both task errors", err)
	}

	if err := th.Wait(); err != nil {
		t.Errorf("second Wait() = %v, want nil", err)
	}
}

func TestThrottle_SubmitAfterClose(t *testing.T) {
	th := New(DefaultOptions)
	if err := th.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	err := th.Submit(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close = %v, want ErrClosed", err)
	}
	if err := th.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestThrottle_CancelledTaskContext(t *testing.T) {
	th := New(Options{Concurrency: 1, Interval: time.Hour, Limit: 1, QueueSize: 4})
	defer th.Close()

	// The first task consumes the only token; the second waits on the limiter
	// until its context is cancelled.
	_ = th.Submit(context.Background(), func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	_ = th.Submit(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})

	err := th.Wait()
	if err == nil {
		t.Fatal("Wait() = nil, want context error")
	}
	if ran {
		t.Error("task ran despite cancelled context")
	}
}

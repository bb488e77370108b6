package ingest

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Background tracks work that outlives the step that started it. The owner
// must call Wait before the process may be frozen or stopped.
type Background struct {
	g errgroup.Group
}

// Go runs fn in its own goroutine with a context that is not cancelled
// when ctx is.
func (b *Background) Go(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	b.g.Go(func() error {
		fn(ctx)
		return nil
	})
}

// Wait blocks until every task started with Go has returned.
func (b *Background) Wait() {
	_ = b.g.Wait()
}

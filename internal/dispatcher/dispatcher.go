// Package dispatcher fans work items out to a bounded pool of workers.
package dispatcher

import (
	"context"
	"sync"

	"github.com/JakeFAU/blogroll-crawler/internal/metrics"
)

// Handler processes one item. It owns its own error handling.
type Handler[T any] func(ctx context.Context, item T)

// Dispatcher runs a Handler over a batch of items with bounded parallelism.
type Dispatcher[T any] struct {
	workers int
	handle  Handler[T]
}

// New creates a Dispatcher with the given number of workers (minimum 1).
func New[T any](workers int, handle Handler[T]) *Dispatcher[T] {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher[T]{workers: workers, handle: handle}
}

// Run hands every item to a worker and blocks until all dispatched items are
// done. Once ctx is cancelled no further items are dispatched. It returns the
// number of items handed out.
func (d *Dispatcher[T]) Run(ctx context.Context, items []T) int {
	work := make(chan T)
	var wg sync.WaitGroup
	workers := min(d.workers, len(items))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				metrics.IncActiveWorkers()
				d.handle(ctx, item)
				metrics.DecActiveWorkers()
			}
		}()
	}

	dispatched := 0
feed:
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case work <- item:
			dispatched++
		}
	}
	close(work)
	wg.Wait()
	return dispatched
}

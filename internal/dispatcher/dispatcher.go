// Package dispatcher runs a pool of crawl workers in one process.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/discord-history-crawler/internal/worker"
)

// IDGenerator names workers.
type IDGenerator interface {
	NewID() (string, error)
}

// Factory builds a worker with the given identifier.
type Factory func(id string) *worker.Worker

// Dispatcher fans crawl work out to a pool of workers. Workers coordinate only
// through the store's claims.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher over prebuilt workers.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Build creates n workers with generated identifiers.
func Build(n int, ids IDGenerator, factory Factory) (*Dispatcher, error) {
	if n <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", n)
	}
	workers := make([]*worker.Worker, 0, n)
	for range n {
		id, err := ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("worker id: %w", err)
		}
		workers = append(workers, factory(id))
	}
	return New(workers), nil
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

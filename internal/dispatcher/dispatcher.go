// Package dispatcher manages worker fan-out over the run queue.
package dispatcher

import (
	"context"
	"sync"
)

// Runner is a long-lived consumer such as worker.Worker.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers. Each worker owns its
// own handle on the queue.
type Dispatcher struct {
	workers []Runner
}

// New creates a Dispatcher.
func New(workers []Runner) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Run starts all workers and blocks until every one of them has returned.
// Workers stop when the context ends or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Package dispatcher fans crawl roots out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/worker"
)

// Queue is a root queue that can be closed by its producer.
type Queue interface {
	crawler.Queue
	Close()
}

// Dispatcher feeds roots to its workers through the queue.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue Queue, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: queue, workers: workers, logger: logger.Named("dispatcher")}
}

// Run enqueues roots, closes the queue and waits for every worker to drain
// it. The first worker error cancels the others and is returned.
func (d *Dispatcher) Run(ctx context.Context, run *crawler.Run, roots []crawler.Root) error {
	if len(d.workers) == 0 {
		return errors.New("dispatcher has no workers")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error { return w.Run(gctx, run) })
	}
	g.Go(func() error {
		defer d.queue.Close()
		for _, root := range roots {
			if err := d.queue.Enqueue(gctx, root); err != nil {
				return fmt.Errorf("enqueue %s: %w", root.URL, err)
			}
		}
		d.logger.Debug("all roots enqueued", zap.Int("roots", len(roots)))
		return nil
	})
	return g.Wait()
}

// Package worker runs crawl roots pulled from a queue, one at a time, on a
// crawler that owns its fetch session exclusively.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/metrics"
)

// RootCrawler traverses one root within a run.
type RootCrawler interface {
	Crawl(ctx context.Context, run *crawler.Run, root crawler.Root) error
}

// Worker consumes roots until the queue closes.
type Worker struct {
	id      int
	queue   crawler.Queue
	crawler RootCrawler
	session io.Closer
	logger  *zap.Logger
}

// New constructs a Worker. session, when set, is closed when Run returns.
func New(id int, queue crawler.Queue, c RootCrawler, session io.Closer, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		crawler: c,
		session: session,
		logger:  logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run crawls dequeued roots until the queue is drained. A root that ends in
// crawler.ErrUpstreamUnavailable stops the worker and is returned; other
// root failures are logged and the next root is taken.
func (w *Worker) Run(ctx context.Context, run *crawler.Run) (err error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if w.session == nil {
			return
		}
		if cerr := w.session.Close(); cerr != nil {
			w.logger.Warn("close fetch session", zap.Error(cerr))
		}
	}()

	for {
		root, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, crawler.ErrQueueClosed) {
				w.logger.Debug("queue drained")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("worker %d dequeue: %w", w.id, err)
		}

		w.logger.Debug("root dequeued", zap.String("root", root.URL))
		if err := w.crawler.Crawl(ctx, run, root); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, crawler.ErrUpstreamUnavailable):
				w.logger.Error("upstream unavailable, stopping", zap.String("root", root.URL), zap.Error(err))
				return err
			default:
				run.Stats.Errors.Add(1)
				w.logger.Warn("root failed", zap.String("root", root.URL), zap.Error(err))
			}
		}
	}
}

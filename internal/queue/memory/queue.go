// Package memory hands crawl roots to workers through a bounded channel.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/cragwatch/internal/crawler"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawler.Root
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan crawler.Root, capacity)}
}

// Enqueue pushes a root into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, root crawler.Root) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- root:
		return nil
	}
}

// Dequeue pops the next root. It returns crawler.ErrQueueClosed once the
// queue is closed and empty.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Root, error) {
	select {
	case <-ctx.Done():
		return crawler.Root{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case root, ok := <-q.ch:
		if !ok {
			return crawler.Root{}, crawler.ErrQueueClosed
		}
		return root, nil
	}
}

// Len reports the number of buffered roots.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting roots; buffered roots are still delivered.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

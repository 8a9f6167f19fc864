package crawler

import (
	"sync"
)

// VisitTracker provides thread-safe visited URL tracking to prevent revisits.
type VisitTracker interface {
	MarkIfNew(url string) bool
	Seen(url string) bool
}

type concurrentVisitTracker struct {
	seen sync.Map
}

// NewVisitTracker returns a tracker safe for use by concurrent workers.
func NewVisitTracker() VisitTracker {
	return &concurrentVisitTracker{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (t *concurrentVisitTracker) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(url, struct{}{})
	return !loaded
}

func (t *concurrentVisitTracker) Seen(url string) bool {
	_, ok := t.seen.Load(url)
	return ok
}

// skipSet holds URLs already scraped successfully in earlier runs. It is
// filled once before workers start and only read afterwards.
type skipSet map[string]struct{}

func newSkipSet(urls []string) skipSet {
	s := make(skipSet, len(urls))
	for _, u := range urls {
		s[u] = struct{}{}
	}
	return s
}

func (s skipSet) contains(url string) bool {
	_, ok := s[url]
	return ok
}

package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrPermanentParse marks markup the extractor could not fully parse. The
	// Page returned alongside it holds whatever fields were recovered.
	ErrPermanentParse = errors.New("permanent parse error")
	// ErrUpstreamUnavailable ends a run once the discovery source stops
	// answering altogether.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrQueueClosed is returned by Queue.Dequeue once the queue is closed
	// and drained.
	ErrQueueClosed = errors.New("queue closed")
)

// TransientFetchError is returned once retries for a transient failure are
// exhausted. The node is marked failed and traversal continues.
type TransientFetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// PermanentFetchError is returned without retrying, e.g. for HTTP 4xx.
type PermanentFetchError struct {
	URL string
	Err error
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("fetch %s failed permanently: %v", e.URL, e.Err)
}

func (e *PermanentFetchError) Unwrap() error {
	return e.Err
}

// IsTransientFetch reports whether err carries a TransientFetchError.
func IsTransientFetch(err error) bool {
	var target *TransientFetchError
	return errors.As(err, &target)
}

// Package fetcher wraps a disposable fetch session with politeness delays,
// retries and periodic session recycling.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/metrics"
	"github.com/JakeFAU/cragwatch/internal/resilience"
)

// Session is one live connection to a discovery source, e.g. a browser or
// an HTTP collector with its own transport.
type Session interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	Close() error
}

// SessionFactory opens a new Session.
type SessionFactory func(ctx context.Context) (Session, error)

// Config tunes a Resilient fetcher.
type Config struct {
	MinDelay     time.Duration
	MaxDelay     time.Duration
	Retry        resilience.Policy
	RecycleEvery int
}

// DefaultConfig mirrors the crawler defaults: 2-5s politeness, three
// attempts and a fresh session every 40 requests.
func DefaultConfig() Config {
	return Config{
		MinDelay:     2 * time.Second,
		MaxDelay:     5 * time.Second,
		Retry:        resilience.DefaultPolicy(),
		RecycleEvery: 40,
	}
}

// Resilient implements crawler.Fetcher. It owns exactly one Session at a time
// and must not be shared between workers.
type Resilient struct {
	cfg     Config
	factory SessionFactory
	logger  *zap.Logger

	mu       sync.Mutex
	session  Session
	served   int
	recycles int
}

var _ crawler.Fetcher = (*Resilient)(nil)

// New builds a Resilient fetcher. The first session is opened lazily.
func New(cfg Config, factory SessionFactory, logger *zap.Logger) (*Resilient, error) {
	if factory == nil {
		return nil, errors.New("fetcher: session factory is required")
	}
	if cfg.MaxDelay < cfg.MinDelay {
		return nil, fmt.Errorf("fetcher: max delay %s is below min delay %s", cfg.MaxDelay, cfg.MinDelay)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{cfg: cfg, factory: factory, logger: logger}, nil
}

// Fetch retrieves url, waiting out the politeness delay before every attempt
// and rebuilding the session after each transient failure.
func (r *Resilient) Fetch(ctx context.Context, url string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.RecycleEvery > 0 && r.session != nil && r.served >= r.cfg.RecycleEvery {
		r.logger.Debug("recycling fetch session", zap.Int("served", r.served))
		r.discard("scheduled")
	}

	attempts := r.cfg.Retry.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := resilience.Sleep(ctx, resilience.RandomBetween(r.cfg.MinDelay, r.cfg.MaxDelay)); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}

		start := time.Now()
		body, err := r.attempt(ctx, url)
		if err == nil {
			metrics.ObserveFetch(url, "success", time.Since(start))
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}

		if resilience.Classify(err) != resilience.ClassTransient {
			metrics.ObserveFetch(url, "permanent", time.Since(start))
			return nil, &crawler.PermanentFetchError{URL: url, Err: err}
		}
		metrics.ObserveFetch(url, "transient", time.Since(start))
		lastErr = err
		r.discard("error")
		if attempt == attempts {
			break
		}
		delay := r.cfg.Retry.Backoff(attempt)
		r.logger.Warn("transient fetch failure, retrying with a fresh session",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := resilience.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
	}
	return nil, &crawler.TransientFetchError{URL: url, Attempts: attempts, Err: lastErr}
}

func (r *Resilient) attempt(ctx context.Context, url string) ([]byte, error) {
	if r.session == nil {
		session, err := r.factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("open session: %w", err)
		}
		r.session = session
		r.served = 0
	}
	r.served++
	return r.session.Fetch(ctx, url)
}

// discard closes the current session; the next attempt opens a new one.
func (r *Resilient) discard(reason string) {
	if r.session == nil {
		return
	}
	if err := r.session.Close(); err != nil {
		r.logger.Debug("close fetch session", zap.Error(err))
	}
	r.session = nil
	r.served = 0
	r.recycles++
	metrics.ObserveSessionRecycle(reason)
}

// Recycles reports how many sessions have been torn down so far.
func (r *Resilient) Recycles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recycles
}

// Close releases the current session.
func (r *Resilient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	err := r.session.Close()
	r.session = nil
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

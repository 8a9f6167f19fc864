package promote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/fetcher"
	"github.com/JakeFAU/cragwatch/internal/metrics"
)

// Session serves pages from the plain session and opens the headless one
// lazily, the first time a page needs rendering.
type Session struct {
	plain     fetcher.Session
	headless  fetcher.SessionFactory
	heuristic *Heuristic
	logger    *zap.Logger

	mu       sync.Mutex
	rendered fetcher.Session
}

// Factory pairs every plain session with a lazily opened headless one.
func Factory(plain, headless fetcher.SessionFactory, h *Heuristic, logger *zap.Logger) fetcher.SessionFactory {
	if h == nil {
		h = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context) (fetcher.Session, error) {
		p, err := plain(ctx)
		if err != nil {
			return nil, err
		}
		return &Session{plain: p, headless: headless, heuristic: h, logger: logger}, nil
	}
}

// Fetch returns the plain body unless the heuristic asks for a render.
func (s *Session) Fetch(ctx context.Context, url string) ([]byte, error) {
	body, err := s.plain.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if !s.heuristic.ShouldPromote(body) {
		return body, nil
	}

	s.logger.Debug("promoting to headless render", zap.String("url", url), zap.Int("bytes", len(body)))
	metrics.ObservePromotion(url)
	r, err := s.renderer(ctx)
	if err != nil {
		return nil, err
	}
	return r.Fetch(ctx, url)
}

func (s *Session) renderer(ctx context.Context) (fetcher.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rendered != nil {
		return s.rendered, nil
	}
	r, err := s.headless(ctx)
	if err != nil {
		return nil, fmt.Errorf("open headless session: %w", err)
	}
	s.rendered = r
	return r, nil
}

// Close releases both sessions.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := []error{s.plain.Close()}
	if s.rendered != nil {
		errs = append(errs, s.rendered.Close())
		s.rendered = nil
	}
	return errors.Join(errs...)
}

// Package collyfetcher implements fetch sessions on top of gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/fetcher"
	"github.com/JakeFAU/cragwatch/internal/resilience"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

// Session is a collector with a private connection pool. Closing it drops
// every idle connection so the next session starts clean.
type Session struct {
	cfg       Config
	transport *http.Transport
	collector *colly.Collector
	robots    *robotsProbeState
	logger    *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewSession builds a Session with its own transport.
func NewSession(cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.SetRequestTimeout(cfg.Timeout)

	s := &Session{cfg: cfg, transport: transport, collector: c, logger: logger}
	if cfg.RespectRobots {
		s.robots = newRobotsProbeState()
		c.WithTransport(&robotsAwareTransport{base: transport, state: s.robots})
	} else {
		c.WithTransport(transport)
	}
	return s
}

// Factory returns a fetcher.SessionFactory producing colly sessions.
func Factory(cfg Config, logger *zap.Logger) fetcher.SessionFactory {
	return func(context.Context) (fetcher.Session, error) {
		return NewSession(cfg, logger), nil
	}
}

// Fetch executes a single GET and returns the body. Non-2xx responses are
// reported as *resilience.StatusError.
func (s *Session) Fetch(ctx context.Context, url string) ([]byte, error) {
	var (
		body     []byte
		fetchErr error
	)
	collector := s.collector.Clone()
	s.configureCollectorHooks(collector, &body, &fetchErr)

	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return nil, err
	}
	if s.robots != nil && s.robots.indeterminate() {
		s.logger.Warn("robots.txt probe inconclusive, crawling as allowed",
			zap.String("url", url), zap.String("reason", s.robots.cause()))
	}
	return body, nil
}

func (s *Session) configureCollectorHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(s.cfg.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			url := ""
			if resp.Request != nil && resp.Request.URL != nil {
				url = resp.Request.URL.String()
			}
			*fetchErr = &resilience.StatusError{URL: url, StatusCode: resp.StatusCode}
			return
		}
		*fetchErr = err
	})
}

// Close drops pooled connections.
func (s *Session) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit %s: %w", url, err)
		}
		return nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

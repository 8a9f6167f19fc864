// Package headless renders pages in a headless Chrome instance.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/cragwatch/internal/fetcher"
	"github.com/JakeFAU/cragwatch/internal/resilience"
)

// Config controls the browser sessions.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	Settle            time.Duration
	WaitSelector      string
	Headers           http.Header
	ExecPath          string
}

// Session owns one browser process. Each Fetch opens a fresh tab in it;
// Close kills the browser and its allocator.
type Session struct {
	cfg           Config
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc
}

// NewSession launches a browser. The browser outlives ctx; only Close stops
// it.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	cfg = withDefaults(cfg)
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browser, browserCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browser:       browser,
		browserCancel: browserCancel,
	}
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browser) }()
	select {
	case err := <-started:
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}
	return s, nil
}

// Factory returns a fetcher.SessionFactory producing browser sessions.
func Factory(cfg Config) fetcher.SessionFactory {
	return func(ctx context.Context) (fetcher.Session, error) {
		return NewSession(ctx, cfg)
	}
}

// Fetch navigates a new tab to url and returns the rendered DOM.
func (s *Session) Fetch(ctx context.Context, url string) ([]byte, error) {
	tabCtx, tabCancel := chromedp.NewContext(s.browser)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, s.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	html, finalURL, err := s.render(tabCtx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("render %s: %w", url, ctx.Err())
		}
		return nil, err
	}

	status, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	if status >= http.StatusBadRequest {
		return nil, &resilience.StatusError{URL: responseURL, StatusCode: status}
	}
	return []byte(html), nil
}

func (s *Session) render(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady(s.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(s.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(s.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(s.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// Close shuts the browser down.
func (s *Session) Close() error {
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	return nil
}

func withDefaults(cfg Config) Config {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	} else if cfg.Settle == 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	return cfg
}

// responseMeta records the status of the main document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}

package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/extract"
	"github.com/JakeFAU/cragwatch/internal/fetcher"
	collyfetcher "github.com/JakeFAU/cragwatch/internal/fetcher/colly"
	"github.com/JakeFAU/cragwatch/internal/fetcher/headless"
	"github.com/JakeFAU/cragwatch/internal/fetcher/promote"
	"github.com/JakeFAU/cragwatch/internal/policy/ratelimit"
	"github.com/JakeFAU/cragwatch/internal/resilience"
	"github.com/JakeFAU/cragwatch/internal/source/openbeta"
)

// RouteGuidePath lists the top-level regions of Mountain Project.
const RouteGuidePath = "/route-guide"

// source bundles what the crawler needs to traverse one discovery source.
type source struct {
	name        string
	canon       crawler.Canonicalizer
	extractor   crawler.Extractor
	sessions    fetcher.SessionFactory
	ext         string
	contentType string
	discover    func(ctx context.Context) ([]crawler.Root, error)
}

func (a *App) source() (*source, error) {
	switch a.cfg.Crawler.Source {
	case "", "mountainproject":
		return a.mountainProject()
	case "openbeta":
		return a.openBeta(), nil
	default:
		return nil, fmt.Errorf("unknown crawl source %q", a.cfg.Crawler.Source)
	}
}

func (a *App) mountainProject() (*source, error) {
	base := strings.TrimRight(a.cfg.Crawler.BaseURL, "/")
	canon, err := crawler.NewSiteCanonicalizer(base, "classics")
	if err != nil {
		return nil, fmt.Errorf("mountain project canonicalizer: %w", err)
	}
	ex, err := extract.NewMountainProject(base)
	if err != nil {
		return nil, fmt.Errorf("mountain project extractor: %w", err)
	}
	src := &source{
		name:        "mountainproject",
		canon:       canon,
		extractor:   ex,
		sessions:    a.sessions,
		ext:         "html",
		contentType: "text/html; charset=utf-8",
	}
	if src.sessions == nil {
		src.sessions = a.pageSessions()
	}
	src.discover = func(ctx context.Context) ([]crawler.Root, error) {
		f, err := a.newFetcher(src.sessions)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		raw, err := f.Fetch(ctx, base+RouteGuidePath)
		if err != nil {
			return nil, fmt.Errorf("fetch route guide: %w", err)
		}
		return ex.Roots(raw)
	}
	return src, nil
}

// pageSessions picks the session kind for fetcher.mode: http uses colly,
// headless drives Chrome, auto tries colly first and renders script shells.
func (a *App) pageSessions() fetcher.SessionFactory {
	f := a.cfg.Fetcher
	plain := collyfetcher.Factory(collyfetcher.Config{
		UserAgent:     f.UserAgent,
		RespectRobots: f.RespectRobots,
		Timeout:       f.NavigationTimeout,
	}, a.logger.Named("colly"))
	browser := headless.Factory(headless.Config{
		UserAgent:         f.UserAgent,
		NavigationTimeout: f.NavigationTimeout,
		ExecPath:          f.ChromePath,
	})
	switch f.Mode {
	case "http":
		return plain
	case "auto":
		return promote.Factory(plain, browser, promote.NewHeuristic(0), a.logger.Named("promote"))
	default:
		return browser
	}
}

func (a *App) openBeta() *source {
	cfg := openbeta.Config{
		Endpoint:  a.cfg.OpenBeta.Endpoint,
		UserAgent: a.cfg.Fetcher.UserAgent,
		Timeout:   a.cfg.OpenBeta.Timeout,
	}
	limiter := ratelimit.New(ratelimit.Config{RPS: a.cfg.OpenBeta.RPS, Burst: 1})
	src := &source{
		name:        "openbeta",
		canon:       openbeta.Canonicalizer{},
		extractor:   openbeta.Extractor{},
		sessions:    a.sessions,
		ext:         "json",
		contentType: "application/json",
	}
	if src.sessions == nil {
		src.sessions = openbeta.Factory(cfg, limiter)
	}
	src.discover = func(ctx context.Context) ([]crawler.Root, error) {
		client := openbeta.NewClient(cfg, limiter)
		defer func() { _ = client.Close() }()
		roots, err := client.Roots(ctx, a.cfg.OpenBeta.RootUUID)
		if err != nil {
			return nil, fmt.Errorf("list openbeta roots: %w", err)
		}
		return roots, nil
	}
	return src
}

// newFetcher wraps sessions with politeness delays, retries and recycling.
// The returned fetcher belongs to a single worker.
func (a *App) newFetcher(sessions fetcher.SessionFactory) (*fetcher.Resilient, error) {
	f := a.cfg.Fetcher
	return fetcher.New(fetcher.Config{
		MinDelay: f.MinDelay,
		MaxDelay: f.MaxDelay,
		Retry: resilience.Policy{
			MaxAttempts: f.MaxAttempts,
			BaseDelay:   f.BackoffInitial,
			MaxDelay:    f.BackoffMax,
		},
		RecycleEvery: f.RecycleEvery,
	}, sessions, a.logger.Named("fetcher"))
}

// roots returns the configured roots, or asks the source for its top-level
// regions when none are configured.
func (a *App) roots(ctx context.Context, src *source) ([]crawler.Root, error) {
	if len(a.cfg.Crawler.Roots) > 0 {
		out := make([]crawler.Root, 0, len(a.cfg.Crawler.Roots))
		for _, u := range a.cfg.Crawler.Roots {
			if u = strings.TrimSpace(u); u != "" {
				out = append(out, crawler.Root{URL: u})
			}
		}
		return out, nil
	}
	roots, err := src.discover(ctx)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("%s: no roots discovered", src.name)
	}
	return roots, nil
}

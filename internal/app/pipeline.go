package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/api"
	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/dispatcher"
	"github.com/JakeFAU/cragwatch/internal/fetcher"
	"github.com/JakeFAU/cragwatch/internal/ingest"
	queuememory "github.com/JakeFAU/cragwatch/internal/queue/memory"
	"github.com/JakeFAU/cragwatch/internal/safety"
	"github.com/JakeFAU/cragwatch/internal/worker"
)

// Summary collects the statistics of a full pipeline run.
type Summary struct {
	Crawl   crawler.StatsSnapshot `json:"crawl"`
	Weather ingest.Stats          `json:"weather"`
	Safety  safety.Stats          `json:"safety"`
}

func (a *App) newCrawler(src *source) (*crawler.Crawler, *fetcher.Resilient, error) {
	f, err := a.newFetcher(src.sessions)
	if err != nil {
		return nil, nil, fmt.Errorf("build fetcher: %w", err)
	}
	opts := []crawler.Option{crawler.WithClock(a.clock), crawler.WithLogger(a.logger.Named("crawler"))}
	if a.archive != nil {
		opts = append(opts, crawler.WithArchive(a.archive))
	}
	c, err := crawler.New(crawler.Config{
		MaxDepth:               a.cfg.Crawler.MaxDepth,
		MaxConsecutiveFailures: a.cfg.Crawler.MaxConsecutiveFailures,
		RevisitScraped:         a.cfg.Crawler.RevisitScraped,
		ArchiveRaw:             a.cfg.Crawler.ArchiveRaw && a.archive != nil,
		ArchivePrefix:          a.cfg.Archive.Prefix,
		ArchiveExt:             src.ext,
		ArchiveContentType:     src.contentType,
	}, src.canon, f, src.extractor, a.store, opts...)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("build crawler: %w", err)
	}
	return c, f, nil
}

// Crawl discovers the area hierarchy from every root with a pool of
// workers, each owning its own fetch session. The snapshot is returned even
// when the run fails.
func (a *App) Crawl(ctx context.Context) (crawler.StatsSnapshot, error) {
	src, err := a.source()
	if err != nil {
		return crawler.StatsSnapshot{}, err
	}
	roots, err := a.roots(ctx, src)
	if err != nil {
		return crawler.StatsSnapshot{}, fmt.Errorf("resolve roots: %w", err)
	}
	var scraped []string
	if !a.cfg.Crawler.RevisitScraped {
		if scraped, err = a.store.ScrapedURLs(ctx); err != nil {
			return crawler.StatsSnapshot{}, fmt.Errorf("load scraped urls: %w", err)
		}
	}
	runID, err := a.ids.NewID()
	if err != nil {
		return crawler.StatsSnapshot{}, fmt.Errorf("generate run id: %w", err)
	}
	run := crawler.NewRun(runID, a.cfg.Crawler.MaxAreas, scraped, a.clock.Now())

	n := max(1, min(a.cfg.Crawler.Workers, len(roots)))
	q := queuememory.NewQueue(max(a.cfg.Crawler.QueueDepth, 1))
	workers := make([]*worker.Worker, 0, n)
	sessions := make([]*fetcher.Resilient, 0, n)
	for i := range n {
		c, session, err := a.newCrawler(src)
		if err != nil {
			for _, s := range sessions {
				_ = s.Close()
			}
			return crawler.StatsSnapshot{}, err
		}
		sessions = append(sessions, session)
		workers = append(workers, worker.New(i, q, c, session, a.logger))
	}

	a.logger.Info("crawl starting",
		zap.String("run_id", runID),
		zap.String("source", src.name),
		zap.Int("roots", len(roots)),
		zap.Int("workers", n),
		zap.Int("skip_set", len(scraped)),
	)
	runErr := dispatcher.New(q, workers, a.logger).Run(ctx, run, roots)
	snap := a.finishRun(run)
	if runErr != nil {
		return snap, fmt.Errorf("crawl: %w", runErr)
	}
	return snap, nil
}

// RetryFailed re-fetches the areas whose last fetch failed.
func (a *App) RetryFailed(ctx context.Context) (crawler.StatsSnapshot, error) {
	src, err := a.source()
	if err != nil {
		return crawler.StatsSnapshot{}, err
	}
	runID, err := a.ids.NewID()
	if err != nil {
		return crawler.StatsSnapshot{}, fmt.Errorf("generate run id: %w", err)
	}
	c, session, err := a.newCrawler(src)
	if err != nil {
		return crawler.StatsSnapshot{}, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			a.logger.Warn("close fetch session", zap.Error(cerr))
		}
	}()

	run := crawler.NewRun(runID, a.cfg.Crawler.MaxAreas, nil, a.clock.Now())
	runErr := c.RetryFailed(ctx, run)
	snap := a.finishRun(run)
	if runErr != nil {
		return snap, fmt.Errorf("retry failed areas: %w", runErr)
	}
	return snap, nil
}

func (a *App) finishRun(run *crawler.Run) crawler.StatsSnapshot {
	snap := run.Snapshot(a.clock.Now())
	a.mu.Lock()
	a.lastRun = &snap
	a.mu.Unlock()
	a.logger.Info("crawl finished",
		zap.String("run_id", snap.RunID),
		zap.Int64("roots_processed", snap.RootsProcessed),
		zap.Int64("areas_processed", snap.AreasProcessed),
		zap.Int64("areas_upserted", snap.AreasUpserted),
		zap.Int64("crags_found", snap.CragsFound),
		zap.Int64("skipped_already_scraped", snap.SkippedAlreadyScraped),
		zap.Int64("failed", snap.Failed),
		zap.Int64("parse_errors", snap.ParseErrors),
		zap.Duration("elapsed", snap.Elapsed),
	)
	return snap
}

// LastRun returns the statistics of the most recent crawl in this process.
func (a *App) LastRun() (crawler.StatsSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastRun == nil {
		return crawler.StatsSnapshot{}, false
	}
	return *a.lastRun, true
}

// SyncWeather ingests observed precipitation for every crag.
func (a *App) SyncWeather(ctx context.Context) (ingest.Stats, error) {
	stats, err := a.ingestor.Run(ctx)
	if err != nil {
		return stats, fmt.Errorf("sync weather: %w", err)
	}
	return stats, nil
}

// CalculateSafety classifies every crag and stores the results.
func (a *App) CalculateSafety(ctx context.Context) (safety.Stats, error) {
	stats, err := a.calculator.CalculateAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("calculate safety: %w", err)
	}
	return stats, nil
}

// RunAll crawls, syncs weather and classifies, in that order. A failed
// crawl still lets the later stages work on what was persisted, unless ctx
// ended.
func (a *App) RunAll(ctx context.Context) (Summary, error) {
	var (
		out  Summary
		errs []error
		err  error
	)
	if out.Crawl, err = a.Crawl(ctx); err != nil {
		if ctx.Err() != nil {
			return out, err
		}
		a.logger.Error("crawl stage failed; continuing with stored areas", zap.Error(err))
		errs = append(errs, err)
	}
	if out.Weather, err = a.SyncWeather(ctx); err != nil {
		if ctx.Err() != nil {
			return out, err
		}
		a.logger.Error("weather stage failed; classifying stored records", zap.Error(err))
		errs = append(errs, err)
	}
	if out.Safety, err = a.CalculateSafety(ctx); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// Explain reports how a crag's status is derived.
func (a *App) Explain(ctx context.Context, id string) (safety.Explanation, error) {
	return a.calculator.Explain(ctx, id)
}

// Forecast projects a crag's status over the next days.
func (a *App) Forecast(ctx context.Context, id string, days int) (safety.Forecast, error) {
	return a.forecaster.Forecast(ctx, id, days)
}

// Summarize totals a crag's recent observed precipitation.
func (a *App) Summarize(ctx context.Context, id string, days int) (ingest.Summary, error) {
	return a.ingestor.Summarize(ctx, id, days)
}

// Migrate applies the schema of the configured store.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// APIServer builds the read API over the App's services.
func (a *App) APIServer() *api.Server {
	return api.NewServer(api.Deps{
		Repo:       a.store,
		Explainer:  a.calculator,
		Forecaster: a.forecaster,
		Summarizer: a.ingestor,
		Runs:       a,
	}, api.Config{
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		RequestTimeout: a.cfg.Server.WriteTimeout,
	}, a.logger, api.WithClock(a.clock))
}

// Serve runs the read API until ctx ends, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.APIServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutdown initiated")
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Package app initializes and holds long-lived application services, acting
// as the dependency injection container behind the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/config"
	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/fetcher"
	"github.com/JakeFAU/cragwatch/internal/id/uuid"
	"github.com/JakeFAU/cragwatch/internal/ingest"
	"github.com/JakeFAU/cragwatch/internal/metrics"
	"github.com/JakeFAU/cragwatch/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/cragwatch/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/cragwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/cragwatch/internal/resilience"
	"github.com/JakeFAU/cragwatch/internal/safety"
	"github.com/JakeFAU/cragwatch/internal/storage/gcs"
	"github.com/JakeFAU/cragwatch/internal/storage/local"
	"github.com/JakeFAU/cragwatch/internal/storage/memory"
	"github.com/JakeFAU/cragwatch/internal/storage/postgres"
	"github.com/JakeFAU/cragwatch/internal/storage/sqlite"
	"github.com/JakeFAU/cragwatch/internal/store"
	"github.com/JakeFAU/cragwatch/internal/weather"
	"github.com/JakeFAU/cragwatch/internal/weather/openmeteo"
)

// EventPublisher publishes status change events and releases its client.
type EventPublisher interface {
	safety.Publisher
	io.Closer
}

// App holds the shared, long-lived services of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  clockwork.Clock
	ids    crawler.IDGenerator

	store     store.Store
	archive   crawler.BlobStore
	publisher EventPublisher
	weather   weather.Provider
	sessions  fetcher.SessionFactory

	ingestor   *ingest.Ingestor
	calculator *safety.Calculator
	forecaster *safety.Forecaster

	closers []io.Closer

	mu      sync.Mutex
	lastRun *crawler.StatsSnapshot
}

// Option overrides a service the App would otherwise build from config.
type Option func(*App)

// WithStore injects the area store.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithClock overrides the clock shared by every service.
func WithClock(clock clockwork.Clock) Option {
	return func(a *App) { a.clock = clock }
}

// WithWeather injects the weather provider.
func WithWeather(p weather.Provider) Option {
	return func(a *App) { a.weather = p }
}

// WithSessionFactory replaces the fetch sessions of the configured source.
func WithSessionFactory(f fetcher.SessionFactory) Option {
	return func(a *App) { a.sessions = f }
}

// WithArchive injects the raw payload archive.
func WithArchive(b crawler.BlobStore) Option {
	return func(a *App) { a.archive = b }
}

// WithPublisher injects the status change publisher.
func WithPublisher(p EventPublisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(a *App) { a.ids = g }
}

// New builds every service named by cfg. It fails fast when a configured
// backend cannot be reached; services built so far are closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  clockwork.NewRealClock(),
		ids:    uuid.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	metrics.Init()

	if a.store == nil {
		if a.store, err = openStore(ctx, cfg.Store); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.store)
		logger.Info("store opened", zap.String("driver", cfg.Store.Driver))
	}
	if cfg.Store.Migrate {
		if err := a.store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate store: %w", err)
		}
	}

	if a.archive == nil {
		if err := a.openArchive(ctx); err != nil {
			return nil, err
		}
	}
	if a.publisher == nil {
		if err := a.openPublisher(ctx); err != nil {
			return nil, err
		}
	}
	if a.weather == nil {
		a.weather = openmeteo.New(openmeteo.Config{
			ArchiveURL:  cfg.Weather.ArchiveURL,
			ForecastURL: cfg.Weather.ForecastURL,
			Timeout:     cfg.Weather.Timeout,
			UserAgent:   cfg.Fetcher.UserAgent,
			Retry: resilience.Policy{
				MaxAttempts: cfg.Weather.MaxAttempts,
				BaseDelay:   cfg.Fetcher.BackoffInitial,
				MaxDelay:    cfg.Fetcher.BackoffMax,
			},
		}, ratelimit.New(ratelimit.Config{RPS: cfg.Weather.RPS, Burst: cfg.Weather.Burst}), logger.Named("openmeteo"))
	}

	a.ingestor = ingest.New(ingest.Config{
		ReportingLagDays: cfg.Weather.ReportingLagDays,
		LookbackDays:     cfg.Weather.LookbackDays,
		BatchSize:        cfg.Weather.BatchSize,
		Concurrency:      cfg.Weather.Concurrency,
	}, a.store, a.weather, ingest.WithClock(a.clock), ingest.WithLogger(logger.Named("ingest")))

	safetyCfg := a.safetyConfig()
	safetyOpts := []safety.Option{safety.WithClock(a.clock), safety.WithLogger(logger)}
	if a.publisher != nil {
		safetyOpts = append(safetyOpts, safety.WithPublisher(a.publisher))
	}
	a.calculator = safety.New(safetyCfg, a.store, safetyOpts...)
	a.forecaster = safety.NewForecaster(safetyCfg, a.store, a.weather, safetyOpts...)

	logger.Info("application services initialized")
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, sqlite.Config{DSN: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) openArchive(ctx context.Context) error {
	switch a.cfg.Archive.Provider {
	case "", "none":
		return nil
	case "memory":
		a.archive = memory.NewBlobStore()
	case "local":
		b, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("open local archive: %w", err)
		}
		a.archive = b
	case "gcs":
		b, err := gcs.Dial(ctx, gcs.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("open gcs archive: %w", err)
		}
		a.archive = b
		a.closers = append(a.closers, b)
	default:
		return fmt.Errorf("unknown archive provider %q", a.cfg.Archive.Provider)
	}
	a.logger.Info("raw archive enabled", zap.String("provider", a.cfg.Archive.Provider))
	return nil
}

func (a *App) openPublisher(ctx context.Context) error {
	switch a.cfg.Events.Provider {
	case "", "none":
		return nil
	case "memory":
		a.publisher = memorypublisher.New()
	case "pubsub":
		p, err := pubsubpublisher.Dial(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return fmt.Errorf("open pubsub publisher: %w", err)
		}
		a.publisher = p
	default:
		return fmt.Errorf("unknown events provider %q", a.cfg.Events.Provider)
	}
	a.closers = append(a.closers, a.publisher)
	a.logger.Info("status change events enabled",
		zap.String("provider", a.cfg.Events.Provider), zap.String("topic", a.cfg.Events.Topic))
	return nil
}

func (a *App) safetyConfig() safety.Config {
	s := a.cfg.Safety
	return safety.Config{
		Thresholds: safety.Thresholds{
			SafeDays:    s.SafeDays,
			CautionDays: s.CautionDays,
			CautionMM:   s.CautionMM,
			UnsafeMM:    s.UnsafeMM,
		},
		WindowDays:       s.WindowDays,
		LookbackDays:     s.LookbackDays,
		ReportingLagDays: a.cfg.Weather.ReportingLagDays,
		Concurrency:      s.Concurrency,
		HorizonDays:      s.HorizonDays,
		Topic:            a.cfg.Events.Topic,
	}
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the area store.
func (a *App) Store() store.Store {
	return a.store
}

// Ingestor returns the weather ingestor.
func (a *App) Ingestor() *ingest.Ingestor {
	return a.ingestor
}

// Calculator returns the safety calculator.
func (a *App) Calculator() *safety.Calculator {
	return a.calculator
}

// Forecaster returns the forecast projector.
func (a *App) Forecaster() *safety.Forecaster {
	return a.forecaster
}

// Close releases every service the App opened, in reverse order.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing application services", zap.Error(err))
	}
	_ = a.logger.Sync()
}

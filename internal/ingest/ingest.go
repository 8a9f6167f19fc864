// Package ingest pulls observed daily weather for every crag and stores it
// as precipitation records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/cragwatch/internal/area"
	"github.com/JakeFAU/cragwatch/internal/metrics"
	"github.com/JakeFAU/cragwatch/internal/weather"
)

var (
	// ErrUpstreamUnavailable is returned when no crag could be served by the
	// weather provider.
	ErrUpstreamUnavailable = errors.New("weather provider unavailable")
	// ErrNotCrag rejects areas without coordinates.
	ErrNotCrag = errors.New("area has no coordinates")
)

// Store is the persistence the ingestor needs.
type Store interface {
	ListCrags(ctx context.Context) ([]area.Area, error)
	GetArea(ctx context.Context, id string) (area.Area, error)
	UpsertPrecipitation(ctx context.Context, records []area.PrecipitationRecord) error
	ListPrecipitation(ctx context.Context, areaID string, from, to time.Time) ([]area.PrecipitationRecord, error)
}

// Config tunes an ingestion run.
type Config struct {
	ReportingLagDays int
	LookbackDays     int
	BatchSize        int
	Concurrency      int
}

// DefaultConfig matches the archive's reporting lag.
func DefaultConfig() Config {
	return Config{
		ReportingLagDays: 5,
		LookbackDays:     14,
		BatchSize:        100,
		Concurrency:      4,
	}
}

// Stats summarizes a run.
type Stats struct {
	CragsProcessed  int64 `json:"crags_processed"`
	RecordsUpserted int64 `json:"records_upserted"`
	Errors          int64 `json:"errors"`
}

// Ingestor copies provider history into the precipitation table.
type Ingestor struct {
	cfg    Config
	store  Store
	source weather.HistorySource
	clock  clockwork.Clock
	logger *zap.Logger
}

// Option customizes an Ingestor.
type Option func(*Ingestor)

// WithClock overrides the time source used to compute the window.
func WithClock(clock clockwork.Clock) Option {
	return func(i *Ingestor) { i.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(i *Ingestor) { i.logger = logger }
}

// New builds an Ingestor, filling zero config fields with defaults.
func New(cfg Config, store Store, source weather.HistorySource, opts ...Option) *Ingestor {
	def := DefaultConfig()
	if cfg.ReportingLagDays < 0 {
		cfg.ReportingLagDays = 0
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = def.LookbackDays
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	i := &Ingestor{
		cfg:    cfg,
		store:  store,
		source: source,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Window returns the inclusive day range requested from the provider:
// end = today - lag, start = end - lookback.
func (i *Ingestor) Window() (time.Time, time.Time) {
	end := area.Day(i.clock.Now()).AddDate(0, 0, -i.cfg.ReportingLagDays)
	return end.AddDate(0, 0, -i.cfg.LookbackDays), end
}

// Run ingests every crag with bounded parallelism. Per-crag failures are
// logged and counted; the run only fails when ctx ends, the crag list cannot
// be read, or every crag failed.
func (i *Ingestor) Run(ctx context.Context) (Stats, error) {
	crags, err := i.store.ListCrags(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list crags: %w", err)
	}
	start, end := i.Window()
	i.logger.Info("weather sync starting",
		zap.Int("crags", len(crags)),
		zap.Time("start", start),
		zap.Time("end", end),
	)

	var (
		processed, records, failures atomic.Int64
		mu                           sync.Mutex
		lastErr                      error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Concurrency)
	for _, crag := range crags {
		g.Go(func() error {
			n, err := i.syncCrag(gctx, crag, start, end)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failures.Add(1)
				mu.Lock()
				lastErr = err
				mu.Unlock()
				i.logger.Warn("crag weather sync failed",
					zap.String("area_id", crag.ID), zap.String("name", crag.Name), zap.Error(err))
				return nil
			}
			processed.Add(1)
			records.Add(int64(n))
			return nil
		})
	}
	waitErr := g.Wait()

	stats := Stats{
		CragsProcessed:  processed.Load(),
		RecordsUpserted: records.Load(),
		Errors:          failures.Load(),
	}
	i.logger.Info("weather sync finished",
		zap.Int64("crags_processed", stats.CragsProcessed),
		zap.Int64("records_upserted", stats.RecordsUpserted),
		zap.Int64("errors", stats.Errors),
	)
	if waitErr != nil {
		return stats, fmt.Errorf("weather sync: %w", waitErr)
	}
	if len(crags) > 0 && stats.CragsProcessed == 0 {
		return stats, fmt.Errorf("%w: all %d crags failed: %v", ErrUpstreamUnavailable, len(crags), lastErr)
	}
	return stats, nil
}

// SyncOne ingests a single crag and returns the number of stored records.
func (i *Ingestor) SyncOne(ctx context.Context, areaID string) (int, error) {
	crag, err := i.store.GetArea(ctx, areaID)
	if err != nil {
		return 0, fmt.Errorf("load area %s: %w", areaID, err)
	}
	start, end := i.Window()
	return i.syncCrag(ctx, crag, start, end)
}

func (i *Ingestor) syncCrag(ctx context.Context, crag area.Area, start, end time.Time) (int, error) {
	if !crag.IsCrag() {
		return 0, fmt.Errorf("%s: %w", crag.ID, ErrNotCrag)
	}
	days, err := i.source.History(ctx, *crag.Latitude, *crag.Longitude, start, end)
	if err != nil {
		return 0, fmt.Errorf("history for %s: %w", crag.ID, err)
	}
	recs := ToRecords(crag.ID, days)
	for lo := 0; lo < len(recs); lo += i.cfg.BatchSize {
		hi := min(lo+i.cfg.BatchSize, len(recs))
		if err := i.store.UpsertPrecipitation(ctx, recs[lo:hi]); err != nil {
			return lo, fmt.Errorf("store precipitation for %s: %w", crag.ID, err)
		}
		metrics.ObservePrecipitationRecords(hi - lo)
	}
	return len(recs), nil
}

// ToRecords converts provider days into precipitation records.
func ToRecords(areaID string, days []weather.Day) []area.PrecipitationRecord {
	recs := make([]area.PrecipitationRecord, 0, len(days))
	for _, d := range days {
		recs = append(recs, area.PrecipitationRecord{
			AreaID:          areaID,
			RecordedAt:      area.Day(d.Date),
			PrecipitationMM: d.PrecipitationMM,
			TempMaxC:        d.TempMaxC,
			TempMinC:        d.TempMinC,
		})
	}
	return recs
}

// Summary aggregates the stored precipitation of one area.
type Summary struct {
	AreaID        string     `json:"crag_id"`
	AreaName      string     `json:"crag_name"`
	Days          int        `json:"days"`
	TotalMM       float64    `json:"total_precipitation_mm"`
	LastRainDate  *time.Time `json:"last_rain_date"`
	DaysSinceRain *int       `json:"days_since_rain"`
	Records       int        `json:"records_count"`
}

// Summarize totals the records of the last days plus the reporting lag and
// finds the most recent rainy day. days_since_rain counts from today.
func (i *Ingestor) Summarize(ctx context.Context, areaID string, days int) (Summary, error) {
	if days <= 0 {
		days = 7
	}
	a, err := i.store.GetArea(ctx, areaID)
	if err != nil {
		return Summary{}, fmt.Errorf("load area %s: %w", areaID, err)
	}
	today := area.Day(i.clock.Now())
	from := today.AddDate(0, 0, -(days + i.cfg.ReportingLagDays))
	recs, err := i.store.ListPrecipitation(ctx, areaID, from, today)
	if err != nil {
		return Summary{}, fmt.Errorf("load precipitation for %s: %w", areaID, err)
	}

	out := Summary{AreaID: a.ID, AreaName: a.Name, Days: days, Records: len(recs)}
	var total float64
	for _, r := range recs {
		total += r.PrecipitationMM
		if r.PrecipitationMM <= weather.RainThresholdMM {
			continue
		}
		day := area.Day(r.RecordedAt)
		if out.LastRainDate == nil || day.After(*out.LastRainDate) {
			since := area.DaysBetween(day, today)
			out.LastRainDate = &day
			out.DaysSinceRain = &since
		}
	}
	out.TotalMM = math.Round(total*100) / 100
	return out, nil
}

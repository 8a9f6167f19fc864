package safety

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/cragwatch/internal/area"
	"github.com/JakeFAU/cragwatch/internal/metrics"
)

// ErrNotCrag rejects areas without coordinates.
var ErrNotCrag = errors.New("area has no coordinates")

// Store is the persistence the safety engine reads and writes.
type Store interface {
	ListCrags(ctx context.Context) ([]area.Area, error)
	GetArea(ctx context.Context, id string) (area.Area, error)
	ListPrecipitation(ctx context.Context, areaID string, from, to time.Time) ([]area.PrecipitationRecord, error)
	UpdateSafetyStatus(ctx context.Context, id string, status area.Status) error
}

// Publisher delivers status change events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// StatusChange is published whenever a crag's stored status changes.
type StatusChange struct {
	AreaID       string    `json:"area_id"`
	Name         string    `json:"name"`
	Previous     string    `json:"previous"`
	Current      string    `json:"current"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// Config tunes classification and projection.
type Config struct {
	Thresholds       Thresholds
	WindowDays       int
	LookbackDays     int
	ReportingLagDays int
	Concurrency      int
	HorizonDays      int
	Topic            string
}

// DefaultConfig mirrors the weather ingestor's window.
func DefaultConfig() Config {
	return Config{
		Thresholds:       DefaultThresholds(),
		WindowDays:       7,
		LookbackDays:     14,
		ReportingLagDays: 5,
		Concurrency:      4,
		HorizonDays:      14,
		Topic:            "crag-status-changes",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = def.Thresholds
	}
	if c.WindowDays <= 0 {
		c.WindowDays = def.WindowDays
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = def.LookbackDays
	}
	if c.ReportingLagDays < 0 {
		c.ReportingLagDays = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = def.HorizonDays
	}
	if c.HorizonDays > MaxHorizonDays {
		c.HorizonDays = MaxHorizonDays
	}
	return c
}

// Stats summarizes a classification run.
type Stats struct {
	CragsProcessed int64 `json:"crags_processed"`
	StatusSafe     int64 `json:"status_safe"`
	StatusCaution  int64 `json:"status_caution"`
	StatusUnsafe   int64 `json:"status_unsafe"`
	NoData         int64 `json:"no_data"`
	Errors         int64 `json:"errors"`
}

// Result is the outcome of classifying one crag.
type Result struct {
	AreaID   string       `json:"area_id"`
	Name     string       `json:"name"`
	Previous *area.Status `json:"previous,omitempty"`
	Status   area.Status  `json:"status"`
	Metrics  Metrics      `json:"metrics"`
}

type options struct {
	clock     clockwork.Clock
	logger    *zap.Logger
	publisher Publisher
}

// Option customizes a Calculator or Forecaster.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPublisher enables status change events.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

func buildOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// Calculator classifies crags from their stored precipitation.
type Calculator struct {
	cfg   Config
	store Store
	options
}

// New builds a Calculator.
func New(cfg Config, store Store, opts ...Option) *Calculator {
	o := buildOptions(opts)
	o.logger = o.logger.Named("safety")
	return &Calculator{cfg: cfg.withDefaults(), store: store, options: o}
}

// AsOf is the most recent day the archive is expected to cover.
func (c *Calculator) AsOf() time.Time {
	return area.Day(c.clock.Now()).AddDate(0, 0, -c.cfg.ReportingLagDays)
}

// CalculateAll classifies every crag with bounded parallelism. Per-crag
// failures are counted; only a failed crag listing or cancellation aborts.
func (c *Calculator) CalculateAll(ctx context.Context) (Stats, error) {
	crags, err := c.store.ListCrags(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list crags: %w", err)
	}
	c.logger.Info("safety calculation starting", zap.Int("crags", len(crags)))

	var processed, safe, caution, unsafe, noData, failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, crag := range crags {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := c.classify(gctx, crag)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failures.Add(1)
				c.logger.Warn("crag classification failed",
					zap.String("area_id", crag.ID), zap.Error(err))
				return nil
			}
			processed.Add(1)
			switch res.Status {
			case area.StatusSafe:
				safe.Add(1)
			case area.StatusCaution:
				caution.Add(1)
			case area.StatusUnsafe:
				unsafe.Add(1)
			default:
				noData.Add(1)
			}
			return nil
		})
	}
	waitErr := g.Wait()

	stats := Stats{
		CragsProcessed: processed.Load(),
		StatusSafe:     safe.Load(),
		StatusCaution:  caution.Load(),
		StatusUnsafe:   unsafe.Load(),
		NoData:         noData.Load(),
		Errors:         failures.Load(),
	}
	c.logger.Info("safety calculation finished",
		zap.Int64("crags_processed", stats.CragsProcessed),
		zap.Int64("status_safe", stats.StatusSafe),
		zap.Int64("status_caution", stats.StatusCaution),
		zap.Int64("status_unsafe", stats.StatusUnsafe),
		zap.Int64("no_data", stats.NoData),
		zap.Int64("errors", stats.Errors),
	)
	if waitErr != nil {
		return stats, fmt.Errorf("safety calculation: %w", waitErr)
	}
	return stats, nil
}

// CalculateOne classifies and stores a single crag.
func (c *Calculator) CalculateOne(ctx context.Context, id string) (Result, error) {
	crag, err := c.store.GetArea(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("load area %s: %w", id, err)
	}
	if !crag.IsCrag() {
		return Result{}, fmt.Errorf("%s: %w", id, ErrNotCrag)
	}
	return c.classify(ctx, crag)
}

func (c *Calculator) history(ctx context.Context, id string, asOf time.Time) ([]area.PrecipitationRecord, error) {
	from := asOf.AddDate(0, 0, -c.cfg.LookbackDays)
	to := area.Day(c.clock.Now())
	recs, err := c.store.ListPrecipitation(ctx, id, from, to)
	if err != nil {
		return nil, fmt.Errorf("load precipitation for %s: %w", id, err)
	}
	return recs, nil
}

// metrics counts days since rain from today and totals the window ending at
// AsOf together with the lag days after it.
func (c *Calculator) metrics(recs []area.PrecipitationRecord) Metrics {
	return ComputeMetrics(recs, area.Day(c.clock.Now()), c.cfg.ReportingLagDays+c.cfg.WindowDays)
}

func (c *Calculator) classify(ctx context.Context, crag area.Area) (Result, error) {
	asOf := c.AsOf()
	recs, err := c.history(ctx, crag.ID, asOf)
	if err != nil {
		return Result{}, err
	}
	res := Result{AreaID: crag.ID, Name: crag.Name, Previous: crag.SafetyStatus, Status: area.StatusUnknown}
	m := c.metrics(recs)
	if m.Records == 0 {
		c.logger.Debug("no precipitation data", zap.String("area_id", crag.ID))
		return res, nil
	}

	res.Metrics = m
	res.Status = Classify(res.Metrics.TotalMM, res.Metrics.DaysSinceRain, c.cfg.Thresholds)
	if err := c.store.UpdateSafetyStatus(ctx, crag.ID, res.Status); err != nil {
		return Result{}, fmt.Errorf("store status for %s: %w", crag.ID, err)
	}
	metrics.ObserveSafetyStatus(string(res.Status))
	c.logger.Debug("safety calculated",
		zap.String("area_id", crag.ID),
		zap.String("name", crag.Name),
		zap.Float64("total_mm", res.Metrics.TotalMM),
		zap.Intp("days_since_rain", res.Metrics.DaysSinceRain),
		zap.String("status", string(res.Status)),
	)

	if changed(res.Previous, res.Status) {
		c.publish(ctx, res)
	}
	return res, nil
}

func changed(prev *area.Status, current area.Status) bool {
	return prev == nil || *prev != current
}

func (c *Calculator) publish(ctx context.Context, res Result) {
	if c.publisher == nil || c.cfg.Topic == "" {
		return
	}
	previous := string(area.StatusUnknown)
	if res.Previous != nil {
		previous = string(*res.Previous)
	}
	event := StatusChange{
		AreaID:       res.AreaID,
		Name:         res.Name,
		Previous:     previous,
		Current:      string(res.Status),
		CalculatedAt: c.clock.Now().UTC(),
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.Topic, event); err != nil {
		c.logger.Warn("status change publish failed",
			zap.String("area_id", res.AreaID), zap.String("topic", c.cfg.Topic), zap.Error(err))
	}
}

// DailyPrecipitation is one row of an Explanation.
type DailyPrecipitation struct {
	Date            string  `json:"date"`
	DaysAgo         int     `json:"days_ago"`
	PrecipitationMM float64 `json:"precipitation_mm"`
}

// ExplainMetrics are the rounded metrics shown to users.
type ExplainMetrics struct {
	TotalMM       float64 `json:"total_7_days_mm"`
	DaysSinceRain *int    `json:"days_since_rain"`
	LastRainDate  *string `json:"last_rain_date"`
}

// Explanation details how a crag's status was derived.
type Explanation struct {
	AreaID             string               `json:"crag_id"`
	AreaName           string               `json:"crag_name"`
	CurrentStatus      *area.Status         `json:"current_status"`
	CalculatedStatus   area.Status          `json:"calculated_status"`
	AsOf               string               `json:"as_of"`
	Metrics            ExplainMetrics       `json:"metrics"`
	Thresholds         Thresholds           `json:"thresholds"`
	DailyPrecipitation []DailyPrecipitation `json:"daily_precipitation"`
}

// maxExplainRows bounds the daily rows of an Explanation.
const maxExplainRows = 14

// Explain recomputes a crag's status without storing it.
func (c *Calculator) Explain(ctx context.Context, id string) (Explanation, error) {
	crag, err := c.store.GetArea(ctx, id)
	if err != nil {
		return Explanation{}, fmt.Errorf("load area %s: %w", id, err)
	}
	asOf := c.AsOf()
	recs, err := c.history(ctx, id, asOf)
	if err != nil {
		return Explanation{}, err
	}

	out := Explanation{
		AreaID:             crag.ID,
		AreaName:           crag.Name,
		CurrentStatus:      crag.SafetyStatus,
		CalculatedStatus:   area.StatusUnknown,
		AsOf:               asOf.Format(time.DateOnly),
		Thresholds:         c.cfg.Thresholds,
		DailyPrecipitation: []DailyPrecipitation{},
	}
	m := c.metrics(recs)
	if m.Records == 0 {
		return out, nil
	}

	out.CalculatedStatus = Classify(m.TotalMM, m.DaysSinceRain, c.cfg.Thresholds)
	out.Metrics = ExplainMetrics{
		TotalMM:       math.Round(m.TotalMM*10) / 10,
		DaysSinceRain: m.DaysSinceRain,
	}
	if m.LastRainDate != nil {
		d := m.LastRainDate.Format(time.DateOnly)
		out.Metrics.LastRainDate = &d
	}

	today := area.Day(c.clock.Now())
	for _, r := range newestFirst(recs) {
		if len(out.DailyPrecipitation) == maxExplainRows {
			break
		}
		out.DailyPrecipitation = append(out.DailyPrecipitation, DailyPrecipitation{
			Date:            area.Day(r.RecordedAt).Format(time.DateOnly),
			DaysAgo:         area.DaysBetween(r.RecordedAt, today),
			PrecipitationMM: r.PrecipitationMM,
		})
	}
	return out, nil
}

func newestFirst(recs []area.PrecipitationRecord) []area.PrecipitationRecord {
	out := make([]area.PrecipitationRecord, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	return out
}

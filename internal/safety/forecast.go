package safety

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/area"
	"github.com/JakeFAU/cragwatch/internal/weather"
)

// MaxHorizonDays is the longest forecast the weather provider serves.
const MaxHorizonDays = 16

// Icon names (SF Symbols) by daily precipitation.
const (
	IconSun     = "sun.max.fill"
	IconCloud   = "cloud.fill"
	IconDrizzle = "cloud.drizzle.fill"
	IconRain    = "cloud.rain.fill"
)

// Icon picks the symbol shown for a day's precipitation.
func Icon(mm float64) string {
	switch {
	case mm > 5:
		return IconRain
	case mm > 1:
		return IconDrizzle
	case mm > weather.RainThresholdMM:
		return IconCloud
	default:
		return IconSun
	}
}

// DayForecast is the predicted status of one forecast day.
type DayForecast struct {
	Date            time.Time   `json:"date"`
	Status          area.Status `json:"predicted_status"`
	PrecipitationMM float64     `json:"precipitation_mm"`
	TempMaxC        *float64    `json:"temp_high_c,omitempty"`
	TempMinC        *float64    `json:"temp_low_c,omitempty"`
	Icon            string      `json:"weather_icon"`
}

// Projection is the day-by-day outlook over a forecast.
type Projection struct {
	Days          []DayForecast `json:"days"`
	EstimatedSafe *time.Time    `json:"estimated_safe_date"`
}

// Project walks the forecast in date order, classifying each day against
// the history plus every forecast day up to it. Forecast values replace
// history on the same date. At most MaxHorizonDays are projected.
func Project(history, forecast []weather.Day, t Thresholds, windowDays int) Projection {
	timeline := make(map[time.Time]float64, len(history)+len(forecast))
	for _, d := range history {
		timeline[area.Day(d.Date)] = d.PrecipitationMM
	}

	days := make([]weather.Day, len(forecast))
	copy(days, forecast)
	sort.SliceStable(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })
	if len(days) > MaxHorizonDays {
		days = days[:MaxHorizonDays]
	}

	out := Projection{Days: make([]DayForecast, 0, len(days))}
	for _, d := range days {
		day := area.Day(d.Date)
		timeline[day] = d.PrecipitationMM

		var total float64
		var sinceRain *int
		for date, mm := range timeline {
			diff := area.DaysBetween(date, day)
			if diff < 0 {
				continue
			}
			if diff <= windowDays {
				total += mm
			}
			if mm > weather.RainThresholdMM && (sinceRain == nil || diff < *sinceRain) {
				n := diff
				sinceRain = &n
			}
		}

		status := Classify(total, sinceRain, t)
		if out.EstimatedSafe == nil && status == area.StatusSafe {
			safe := day
			out.EstimatedSafe = &safe
		}
		out.Days = append(out.Days, DayForecast{
			Date:            day,
			Status:          status,
			PrecipitationMM: d.PrecipitationMM,
			TempMaxC:        d.TempMaxC,
			TempMinC:        d.TempMinC,
			Icon:            Icon(d.PrecipitationMM),
		})
	}
	return out
}

// Forecast is a crag's projection together with its stored status.
type Forecast struct {
	AreaID        string      `json:"crag_id"`
	AreaName      string      `json:"crag_name"`
	CurrentStatus area.Status `json:"current_status"`
	Projection
}

// Forecaster combines stored history with provider forecasts.
type Forecaster struct {
	cfg    Config
	store  Store
	source weather.ForecastSource
	options
}

// NewForecaster builds a Forecaster.
func NewForecaster(cfg Config, store Store, source weather.ForecastSource, opts ...Option) *Forecaster {
	o := buildOptions(opts)
	o.logger = o.logger.Named("forecast")
	return &Forecaster{cfg: cfg.withDefaults(), store: store, source: source, options: o}
}

// Forecast projects the crag's status over the next days; zero or negative
// days use the configured horizon.
func (f *Forecaster) Forecast(ctx context.Context, areaID string, days int) (Forecast, error) {
	if days <= 0 {
		days = f.cfg.HorizonDays
	}
	days = min(days, MaxHorizonDays)

	crag, err := f.store.GetArea(ctx, areaID)
	if err != nil {
		return Forecast{}, fmt.Errorf("load area %s: %w", areaID, err)
	}
	if !crag.IsCrag() {
		return Forecast{}, fmt.Errorf("%s: %w", areaID, ErrNotCrag)
	}

	today := area.Day(f.clock.Now())
	from := today.AddDate(0, 0, -(f.cfg.ReportingLagDays + f.cfg.LookbackDays))
	recs, err := f.store.ListPrecipitation(ctx, areaID, from, today)
	if err != nil {
		return Forecast{}, fmt.Errorf("load precipitation for %s: %w", areaID, err)
	}
	upcoming, err := f.source.Forecast(ctx, *crag.Latitude, *crag.Longitude, days)
	if err != nil {
		return Forecast{}, fmt.Errorf("forecast for %s: %w", areaID, err)
	}

	current := area.StatusUnknown
	if crag.SafetyStatus != nil {
		current = *crag.SafetyStatus
	}
	out := Forecast{
		AreaID:        crag.ID,
		AreaName:      crag.Name,
		CurrentStatus: current,
		Projection:    Project(toDays(recs), upcoming, f.cfg.Thresholds, f.cfg.WindowDays),
	}
	f.logger.Debug("forecast projected",
		zap.String("area_id", crag.ID),
		zap.Int("days", len(out.Days)),
		zap.Timep("estimated_safe", out.EstimatedSafe),
	)
	return out, nil
}

func toDays(recs []area.PrecipitationRecord) []weather.Day {
	out := make([]weather.Day, 0, len(recs))
	for _, r := range recs {
		out = append(out, weather.Day{
			Date:            r.RecordedAt,
			PrecipitationMM: r.PrecipitationMM,
			TempMaxC:        r.TempMaxC,
			TempMinC:        r.TempMinC,
		})
	}
	return out
}

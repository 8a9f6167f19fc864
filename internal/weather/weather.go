// Package weather defines the daily observations shared by the ingestor, the
// safety engine and weather providers.
package weather

import (
	"context"
	"time"
)

// RainThresholdMM is the daily amount above which a day counts as rainy.
const RainThresholdMM = 0.1

// Day is one day of observed or forecast weather at a location.
type Day struct {
	Date            time.Time `json:"date"`
	PrecipitationMM float64   `json:"precipitation_mm"`
	TempMaxC        *float64  `json:"temp_max_c,omitempty"`
	TempMinC        *float64  `json:"temp_min_c,omitempty"`
}

// Rainy reports whether the day had measurable rain.
func (d Day) Rainy() bool {
	return d.PrecipitationMM > RainThresholdMM
}

// HistorySource returns observed daily weather in [start, end].
type HistorySource interface {
	History(ctx context.Context, lat, lon float64, start, end time.Time) ([]Day, error)
}

// ForecastSource returns daily forecasts starting today.
type ForecastSource interface {
	Forecast(ctx context.Context, lat, lon float64, days int) ([]Day, error)
}

// Provider serves both history and forecasts.
type Provider interface {
	HistorySource
	ForecastSource
}

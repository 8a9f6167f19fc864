// Package safety turns stored precipitation into a climbing safety status
// and projects that status forward over a weather forecast.
package safety

import (
	"errors"
	"time"

	"github.com/JakeFAU/cragwatch/internal/area"
	"github.com/JakeFAU/cragwatch/internal/weather"
)

// Thresholds are the tunable limits of the classification rules.
type Thresholds struct {
	SafeDays    int     `json:"safe_days_threshold"`
	CautionDays int     `json:"caution_days_threshold"`
	CautionMM   float64 `json:"weekly_precip_caution_mm"`
	UnsafeMM    float64 `json:"weekly_precip_unsafe_mm"`
}

// DefaultThresholds returns the thresholds used for sandstone-style rock.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SafeDays:    3,
		CautionDays: 1,
		CautionMM:   10,
		UnsafeMM:    25,
	}
}

// Validate rejects thresholds whose rules would overlap.
func (t Thresholds) Validate() error {
	switch {
	case t.SafeDays < 0 || t.CautionDays < 0:
		return errors.New("day thresholds must be non-negative")
	case t.CautionDays > t.SafeDays:
		return errors.New("caution_days must not exceed safe_days")
	case t.CautionMM <= 0 || t.UnsafeMM <= 0:
		return errors.New("precipitation thresholds must be positive")
	case t.CautionMM > t.UnsafeMM:
		return errors.New("caution_mm must not exceed unsafe_mm")
	}
	return nil
}

// Classify applies the rules in order; the first match wins. It never
// returns UNKNOWN.
func Classify(totalMM float64, daysSinceRain *int, t Thresholds) area.Status {
	if totalMM >= t.UnsafeMM {
		return area.StatusUnsafe
	}
	if daysSinceRain != nil && *daysSinceRain <= t.CautionDays {
		return area.StatusUnsafe
	}
	if totalMM >= t.CautionMM {
		return area.StatusCaution
	}
	if daysSinceRain != nil && *daysSinceRain <= t.SafeDays {
		return area.StatusCaution
	}
	return area.StatusSafe
}

// Metrics are the inputs of Classify derived from daily records.
type Metrics struct {
	TotalMM       float64    `json:"total_7_days_mm"`
	DaysSinceRain *int       `json:"days_since_rain"`
	LastRainDate  *time.Time `json:"last_rain_date"`
	Records       int        `json:"-"`
}

// ComputeMetrics derives Classify's inputs as of today. Records dated
// within sumDays before today (inclusive) are totalled; days since rain
// counts calendar days from today to the most recent rainy record. Records
// dated after today are ignored and not counted in Records.
func ComputeMetrics(records []area.PrecipitationRecord, today time.Time, sumDays int) Metrics {
	var m Metrics
	for _, r := range newestFirst(records) {
		diff := area.DaysBetween(r.RecordedAt, today)
		if diff < 0 {
			continue
		}
		m.Records++
		if diff <= sumDays {
			m.TotalMM += r.PrecipitationMM
		}
		if m.DaysSinceRain == nil && r.PrecipitationMM > weather.RainThresholdMM {
			d := diff
			day := area.Day(r.RecordedAt)
			m.DaysSinceRain = &d
			m.LastRainDate = &day
		}
	}
	return m
}

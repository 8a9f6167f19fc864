// Package openmeteo reads daily history and forecasts from the Open-Meteo
// APIs.
package openmeteo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/metrics"
	"github.com/JakeFAU/cragwatch/internal/policy/ratelimit"
	"github.com/JakeFAU/cragwatch/internal/resilience"
	"github.com/JakeFAU/cragwatch/internal/weather"
)

const (
	// DefaultArchiveURL serves observed history, lagging a few days behind.
	DefaultArchiveURL = "https://archive-api.open-meteo.com/v1/archive"
	// DefaultForecastURL serves forecasts.
	DefaultForecastURL = "https://api.open-meteo.com/v1/forecast"
	// MaxForecastDays is the longest forecast the API returns.
	MaxForecastDays = 16

	dailyFields = "precipitation_sum,temperature_2m_max,temperature_2m_min"
	dateLayout  = "2006-01-02"
)

// Config configures the client.
type Config struct {
	ArchiveURL  string
	ForecastURL string
	Timeout     time.Duration
	UserAgent   string
	Retry       resilience.Policy
}

// Client talks to the archive and forecast endpoints.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

var _ weather.Provider = (*Client)(nil)

// New builds a client. limiter and logger may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	if cfg.ArchiveURL == "" {
		cfg.ArchiveURL = DefaultArchiveURL
	}
	if cfg.ForecastURL == "" {
		cfg.ForecastURL = DefaultForecastURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cragwatch/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

// History returns observed days in [start, end]. Missing precipitation
// values are reported as 0.
func (c *Client) History(ctx context.Context, lat, lon float64, start, end time.Time) ([]weather.Day, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("history window ends %s before it starts %s", end.Format(dateLayout), start.Format(dateLayout))
	}
	q := baseQuery(lat, lon)
	q.Set("start_date", start.Format(dateLayout))
	q.Set("end_date", end.Format(dateLayout))
	return c.daily(ctx, "archive", c.cfg.ArchiveURL, q)
}

// Forecast returns up to MaxForecastDays days starting today.
func (c *Client) Forecast(ctx context.Context, lat, lon float64, days int) ([]weather.Day, error) {
	if days < 1 {
		days = 1
	}
	if days > MaxForecastDays {
		days = MaxForecastDays
	}
	q := baseQuery(lat, lon)
	q.Set("forecast_days", strconv.Itoa(days))
	return c.daily(ctx, "forecast", c.cfg.ForecastURL, q)
}

func baseQuery(lat, lon float64) url.Values {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("daily", dailyFields)
	q.Set("timezone", "auto")
	return q
}

func (c *Client) daily(ctx context.Context, endpoint, base string, q url.Values) ([]weather.Day, error) {
	target := base + "?" + q.Encode()
	days, err := resilience.DoVal(ctx, c.cfg.Retry, func(ctx context.Context) ([]weather.Day, error) {
		return c.get(ctx, target)
	}, func(attempt int, err error) {
		metrics.ObserveWeatherRequest(endpoint, "retry")
		c.logger.Warn("weather request failed, retrying",
			zap.String("endpoint", endpoint), zap.Int("attempt", attempt), zap.Error(err))
	})
	if err != nil {
		metrics.ObserveWeatherRequest(endpoint, "error")
		return nil, fmt.Errorf("open-meteo %s: %w", endpoint, err)
	}
	metrics.ObserveWeatherRequest(endpoint, "success")
	return days, nil
}

type dailyResponse struct {
	Daily struct {
		Time             []string   `json:"time"`
		PrecipitationSum []*float64 `json:"precipitation_sum"`
		TempMax          []*float64 `json:"temperature_2m_max"`
		TempMin          []*float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

type errorResponse struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

func (c *Client) get(ctx context.Context, target string) ([]weather.Day, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, target); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Reason != "" {
			return nil, fmt.Errorf("%w: %s", &resilience.StatusError{URL: target, StatusCode: resp.StatusCode}, apiErr.Reason)
		}
		return nil, &resilience.StatusError{URL: target, StatusCode: resp.StatusCode}
	}

	var body dailyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", resilience.ErrMalformedResponse, err)
	}
	return toDays(body)
}

func toDays(body dailyResponse) ([]weather.Day, error) {
	d := body.Daily
	days := make([]weather.Day, 0, len(d.Time))
	for i, raw := range d.Time {
		date, err := time.Parse(dateLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: date %q: %v", resilience.ErrMalformedResponse, raw, err)
		}
		day := weather.Day{Date: date}
		if v := at(d.PrecipitationSum, i); v != nil {
			day.PrecipitationMM = *v
		}
		day.TempMaxC = at(d.TempMax, i)
		day.TempMinC = at(d.TempMin, i)
		days = append(days, day)
	}
	if len(days) == 0 && len(d.PrecipitationSum) > 0 {
		return nil, errors.Join(resilience.ErrMalformedResponse, errors.New("daily values without dates"))
	}
	return days, nil
}

func at(values []*float64, i int) *float64 {
	if i >= len(values) || values[i] == nil {
		return nil
	}
	v := *values[i]
	return &v
}

// Package config loads and validates cragwatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CRAGWATCH_STORE_DSN.
const EnvPrefix = "CRAGWATCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	OpenBeta OpenBetaConfig `mapstructure:"openbeta"`
	Weather  WeatherConfig  `mapstructure:"weather"`
	Safety   SafetyConfig   `mapstructure:"safety"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Events   EventsConfig   `mapstructure:"events"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// StoreConfig selects the area store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite memory"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" validate:"gte=0"`
	Migrate         bool          `mapstructure:"migrate"`
}

// CrawlerConfig governs area discovery.
type CrawlerConfig struct {
	Source                 string   `mapstructure:"source" validate:"oneof=mountainproject openbeta"`
	BaseURL                string   `mapstructure:"base_url" validate:"required,url"`
	Roots                  []string `mapstructure:"roots"`
	MaxDepth               int      `mapstructure:"max_depth" validate:"gte=1"`
	MaxAreas               int      `mapstructure:"max_areas" validate:"gte=0"`
	Workers                int      `mapstructure:"workers" validate:"gte=1,lte=64"`
	QueueDepth             int      `mapstructure:"queue_depth" validate:"gte=1"`
	RevisitScraped         bool     `mapstructure:"revisit_scraped"`
	MaxConsecutiveFailures int      `mapstructure:"max_consecutive_failures" validate:"gte=0"`
	ArchiveRaw             bool     `mapstructure:"archive_raw"`
}

// FetcherConfig tunes the page sessions used by crawl workers.
type FetcherConfig struct {
	Mode              string        `mapstructure:"mode" validate:"oneof=headless http auto"`
	MinDelay          time.Duration `mapstructure:"min_delay" validate:"gte=0"`
	MaxDelay          time.Duration `mapstructure:"max_delay" validate:"gte=0"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gte=1"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial" validate:"gt=0"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" validate:"gt=0"`
	RecycleEvery      int           `mapstructure:"recycle_every" validate:"gte=0"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" validate:"gt=0"`
	UserAgent         string        `mapstructure:"user_agent" validate:"required"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	ChromePath        string        `mapstructure:"chrome_path"`
}

// OpenBetaConfig points at the OpenBeta GraphQL API.
type OpenBetaConfig struct {
	Endpoint string        `mapstructure:"endpoint" validate:"required,url"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RPS      float64       `mapstructure:"rps" validate:"gte=0"`
	RootUUID string        `mapstructure:"root_uuid"`
}

// WeatherConfig configures the Open-Meteo client and weather sync.
type WeatherConfig struct {
	ArchiveURL       string        `mapstructure:"archive_url" validate:"required,url"`
	ForecastURL      string        `mapstructure:"forecast_url" validate:"required,url"`
	RPS              float64       `mapstructure:"rps" validate:"gte=0"`
	Burst            int           `mapstructure:"burst" validate:"gte=0"`
	ReportingLagDays int           `mapstructure:"reporting_lag_days" validate:"gte=0"`
	LookbackDays     int           `mapstructure:"lookback_days" validate:"gte=1"`
	BatchSize        int           `mapstructure:"batch_size" validate:"gte=1"`
	Concurrency      int           `mapstructure:"concurrency" validate:"gte=1"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxAttempts      int           `mapstructure:"max_attempts" validate:"gte=1"`
}

// SafetyConfig holds the classification thresholds and windows.
type SafetyConfig struct {
	SafeDays     int     `mapstructure:"safe_days" validate:"gte=0"`
	CautionDays  int     `mapstructure:"caution_days" validate:"gte=0"`
	CautionMM    float64 `mapstructure:"caution_mm" validate:"gt=0"`
	UnsafeMM     float64 `mapstructure:"unsafe_mm" validate:"gt=0"`
	WindowDays   int     `mapstructure:"window_days" validate:"gte=1"`
	LookbackDays int     `mapstructure:"lookback_days" validate:"gte=1"`
	Concurrency  int     `mapstructure:"concurrency" validate:"gte=1"`
	HorizonDays  int     `mapstructure:"horizon_days" validate:"gte=1,lte=16"`
}

// ArchiveConfig selects where raw crawl payloads are kept.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider" validate:"oneof=none memory local gcs"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// EventsConfig selects where status-change events go.
type EventsConfig struct {
	Provider  string `mapstructure:"provider" validate:"oneof=none memory pubsub"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic" validate:"required"`
}

// Load reads configuration from the optional file at path, then the
// environment, then defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key needs a default so AutomaticEnv can override it on Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:cragwatch.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("store.max_conn_lifetime", time.Hour)
	v.SetDefault("store.migrate", true)

	v.SetDefault("crawler.source", "mountainproject")
	v.SetDefault("crawler.base_url", "https://www.mountainproject.com")
	v.SetDefault("crawler.roots", []string{})
	v.SetDefault("crawler.max_depth", 10)
	v.SetDefault("crawler.max_areas", 0)
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.revisit_scraped", false)
	v.SetDefault("crawler.max_consecutive_failures", 5)
	v.SetDefault("crawler.archive_raw", false)

	v.SetDefault("fetcher.mode", "headless")
	v.SetDefault("fetcher.min_delay", 2*time.Second)
	v.SetDefault("fetcher.max_delay", 5*time.Second)
	v.SetDefault("fetcher.max_attempts", 3)
	v.SetDefault("fetcher.backoff_initial", time.Second)
	v.SetDefault("fetcher.backoff_max", 30*time.Second)
	v.SetDefault("fetcher.recycle_every", 40)
	v.SetDefault("fetcher.navigation_timeout", 45*time.Second)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (compatible; cragwatch/1.0)")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.chrome_path", "")

	v.SetDefault("openbeta.endpoint", "https://api.openbeta.io")
	v.SetDefault("openbeta.timeout", 30*time.Second)
	v.SetDefault("openbeta.rps", 2.0)
	v.SetDefault("openbeta.root_uuid", "")

	v.SetDefault("weather.archive_url", "https://archive-api.open-meteo.com/v1/archive")
	v.SetDefault("weather.forecast_url", "https://api.open-meteo.com/v1/forecast")
	v.SetDefault("weather.rps", 5.0)
	v.SetDefault("weather.burst", 1)
	v.SetDefault("weather.reporting_lag_days", 5)
	v.SetDefault("weather.lookback_days", 14)
	v.SetDefault("weather.batch_size", 100)
	v.SetDefault("weather.concurrency", 4)
	v.SetDefault("weather.timeout", 30*time.Second)
	v.SetDefault("weather.max_attempts", 3)

	v.SetDefault("safety.safe_days", 3)
	v.SetDefault("safety.caution_days", 1)
	v.SetDefault("safety.caution_mm", 10.0)
	v.SetDefault("safety.unsafe_mm", 25.0)
	v.SetDefault("safety.window_days", 7)
	v.SetDefault("safety.lookback_days", 14)
	v.SetDefault("safety.concurrency", 4)
	v.SetDefault("safety.horizon_days", 14)

	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.base_dir", "data/raw")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "raw")

	v.SetDefault("events.provider", "none")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "crag-status-changes")
}

// Validate runs the struct tag rules, then the checks spanning fields.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %s", describe(verrs))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch {
	case c.Store.Driver == "postgres" && c.Store.DSN == "":
		return errors.New("store.dsn is required for the postgres driver")
	case c.Store.MaxConns > 0 && c.Store.MinConns > c.Store.MaxConns:
		return errors.New("store.min_conns must not exceed store.max_conns")
	case c.Fetcher.MaxDelay < c.Fetcher.MinDelay:
		return errors.New("fetcher.max_delay must be >= fetcher.min_delay")
	case c.Fetcher.BackoffMax < c.Fetcher.BackoffInitial:
		return errors.New("fetcher.backoff_max must be >= fetcher.backoff_initial")
	case c.Safety.CautionDays > c.Safety.SafeDays:
		return errors.New("safety.caution_days must not exceed safety.safe_days")
	case c.Safety.CautionMM > c.Safety.UnsafeMM:
		return errors.New("safety.caution_mm must not exceed safety.unsafe_mm")
	case c.Archive.Provider == "local" && c.Archive.BaseDir == "":
		return errors.New("archive.base_dir is required for the local provider")
	case c.Archive.Provider == "gcs" && c.Archive.Bucket == "":
		return errors.New("archive.bucket is required for the gcs provider")
	case c.Crawler.ArchiveRaw && c.Archive.Provider == "none":
		return errors.New("crawler.archive_raw needs an archive provider")
	case c.Events.Provider == "pubsub" && c.Events.ProjectID == "":
		return errors.New("events.project_id is required for the pubsub provider")
	}
	return nil
}

func describe(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

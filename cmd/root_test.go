package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/app"
	"github.com/JakeFAU/cragwatch/internal/config"
	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/ingest"
	"github.com/JakeFAU/cragwatch/internal/safety"
)

type fakeApp struct {
	calls    []string
	closed   bool
	days     int
	areaID   string
	crawlErr error
	cfg      config.Config
}

func (f *fakeApp) Close() { f.closed = true }

func (f *fakeApp) Crawl(context.Context) (crawler.StatsSnapshot, error) {
	f.calls = append(f.calls, "crawl")
	return crawler.StatsSnapshot{RunID: "run-1", CragsFound: 3}, f.crawlErr
}

func (f *fakeApp) RetryFailed(context.Context) (crawler.StatsSnapshot, error) {
	f.calls = append(f.calls, "retry-failed")
	return crawler.StatsSnapshot{RunID: "run-2", AreasUpserted: 1}, nil
}

func (f *fakeApp) SyncWeather(context.Context) (ingest.Stats, error) {
	f.calls = append(f.calls, "sync-weather")
	return ingest.Stats{CragsProcessed: 2, RecordsUpserted: 30}, nil
}

func (f *fakeApp) CalculateSafety(context.Context) (safety.Stats, error) {
	f.calls = append(f.calls, "calculate-safety")
	return safety.Stats{CragsProcessed: 2, StatusSafe: 2}, nil
}

func (f *fakeApp) RunAll(context.Context) (app.Summary, error) {
	f.calls = append(f.calls, "run-all")
	return app.Summary{}, nil
}

func (f *fakeApp) Explain(_ context.Context, id string) (safety.Explanation, error) {
	f.calls = append(f.calls, "explain")
	f.areaID = id
	return safety.Explanation{AreaID: id}, nil
}

func (f *fakeApp) Forecast(_ context.Context, id string, days int) (safety.Forecast, error) {
	f.calls = append(f.calls, "forecast")
	f.areaID, f.days = id, days
	return safety.Forecast{AreaID: id}, nil
}

func (f *fakeApp) Summarize(_ context.Context, id string, days int) (ingest.Summary, error) {
	f.calls = append(f.calls, "weather-summary")
	f.areaID, f.days = id, days
	return ingest.Summary{AreaID: id, Days: days}, nil
}

func (f *fakeApp) Migrate(context.Context) error {
	f.calls = append(f.calls, "migrate")
	return nil
}

func (f *fakeApp) Serve(context.Context) error {
	f.calls = append(f.calls, "serve")
	return nil
}

// runCmd executes the root command against a fake app and returns stdout.
func runCmd(t *testing.T, fake *fakeApp, args ...string) (string, error) {
	t.Helper()
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		fake.cfg = cfg
		return fake, nil
	}

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlPrintsRunStatistics(t *testing.T) {
	fake := &fakeApp{}
	out, err := runCmd(t, fake, "crawl")
	require.NoError(t, err)

	var snap crawler.StatsSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "run-1", snap.RunID)
	assert.EqualValues(t, 3, snap.CragsFound)
	assert.Equal(t, []string{"crawl"}, fake.calls)
	assert.True(t, fake.closed)
}

func TestSyncAreasAlias(t *testing.T) {
	fake := &fakeApp{}
	_, err := runCmd(t, fake, "sync-areas")
	require.NoError(t, err)
	assert.Equal(t, []string{"crawl"}, fake.calls)
}

func TestCrawlErrorStillPrintsStatistics(t *testing.T) {
	fake := &fakeApp{crawlErr: errors.New("upstream unavailable")}
	out, err := runCmd(t, fake, "crawl")
	require.EqualError(t, err, "upstream unavailable")
	assert.Contains(t, out, `"run_id": "run-1"`)
}

func TestSimpleCommandsDispatch(t *testing.T) {
	for _, name := range []string{"retry-failed", "sync-weather", "calculate-safety", "run-all", "serve", "migrate"} {
		t.Run(name, func(t *testing.T) {
			fake := &fakeApp{}
			_, err := runCmd(t, fake, name)
			require.NoError(t, err)
			assert.Equal(t, []string{name}, fake.calls)
		})
	}
}

func TestForecastPassesDays(t *testing.T) {
	fake := &fakeApp{}
	out, err := runCmd(t, fake, "forecast", "crag-1", "--days", "5")
	require.NoError(t, err)
	assert.Equal(t, "crag-1", fake.areaID)
	assert.Equal(t, 5, fake.days)
	assert.Contains(t, out, `"crag_id": "crag-1"`)
}

func TestWeatherSummaryDefaultsToAWeek(t *testing.T) {
	fake := &fakeApp{}
	_, err := runCmd(t, fake, "weather-summary", "crag-1")
	require.NoError(t, err)
	assert.Equal(t, 7, fake.days)
}

func TestExplainRequiresAreaID(t *testing.T) {
	fake := &fakeApp{}
	_, err := runCmd(t, fake, "explain")
	require.Error(t, err)
	assert.Empty(t, fake.calls)
}

func TestLogFlagsOverrideConfig(t *testing.T) {
	fake := &fakeApp{}
	_, err := runCmd(t, fake, "--log-level", "warn", "--dev", "migrate")
	require.NoError(t, err)
	assert.Equal(t, "warn", fake.cfg.Logging.Level)
	assert.True(t, fake.cfg.Logging.Development)
}

func TestMissingConfigFileFails(t *testing.T) {
	fake := &fakeApp{}
	_, err := runCmd(t, fake, "--config", "/does/not/exist.yaml", "crawl")
	require.Error(t, err)
	assert.Empty(t, fake.calls)
}

func TestResolveAppWithoutApp(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}

package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/app"
	"github.com/JakeFAU/cragwatch/internal/area"
	"github.com/JakeFAU/cragwatch/internal/config"
	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/fetcher"
	memorypublisher "github.com/JakeFAU/cragwatch/internal/publisher/memory"
	"github.com/JakeFAU/cragwatch/internal/resilience"
	"github.com/JakeFAU/cragwatch/internal/safety"
	"github.com/JakeFAU/cragwatch/internal/storage/local"
	"github.com/JakeFAU/cragwatch/internal/storage/memory"
	"github.com/JakeFAU/cragwatch/internal/storage/sqlite"
	"github.com/JakeFAU/cragwatch/internal/weather"
)

const (
	routeGuideURL = "https://www.mountainproject.com/route-guide"
	californiaURL = "https://www.mountainproject.com/area/1/california"
	bishopURL     = "https://www.mountainproject.com/area/2/bishop"
)

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

var pages = map[string]string{
	routeGuideURL: `<html><body>
		<a href="/area/1/california">California</a>
		<a href="/about">About</a>
	</body></html>`,
	californiaURL: `<html><body>
		<h1>California</h1>
		<div class="mp-sidebar">
			<div class="lef-nav-row"><a href="/area/2/bishop">Bishop</a></div>
		</div>
	</body></html>`,
	bishopURL: `<html><body>
		<h1>Bishop</h1>
		<table><tr><td>GPS:</td><td>37.36, -118.39</td></tr></table>
	</body></html>`,
}

// fakeSite serves canned pages and records every fetched URL.
type fakeSite struct {
	mu      sync.Mutex
	pages   map[string]string
	fetched []string
	opened  int
	closed  int
}

func newFakeSite() *fakeSite {
	return &fakeSite{pages: pages}
}

func (s *fakeSite) factory() fetcher.SessionFactory {
	return func(context.Context) (fetcher.Session, error) {
		s.mu.Lock()
		s.opened++
		s.mu.Unlock()
		return &fakeSession{site: s}, nil
	}
}

func (s *fakeSite) fetchedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetched...)
}

type fakeSession struct {
	site *fakeSite
}

func (f *fakeSession) Fetch(_ context.Context, url string) ([]byte, error) {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	f.site.fetched = append(f.site.fetched, url)
	body, ok := f.site.pages[url]
	if !ok {
		return nil, &resilience.StatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	return []byte(body), nil
}

func (f *fakeSession) Close() error {
	f.site.mu.Lock()
	f.site.closed++
	f.site.mu.Unlock()
	return nil
}

// dryWeather reports a day without rain for every requested date.
type dryWeather struct{}

func (dryWeather) History(_ context.Context, _, _ float64, start, end time.Time) ([]weather.Day, error) {
	var out []weather.Day
	for d := area.Day(start); !d.After(area.Day(end)); d = d.AddDate(0, 0, 1) {
		out = append(out, weather.Day{Date: d})
	}
	return out, nil
}

func (dryWeather) Forecast(_ context.Context, _, _ float64, days int) ([]weather.Day, error) {
	today := area.Day(testNow)
	out := make([]weather.Day, 0, days)
	for i := range days {
		out = append(out, weather.Day{Date: today.AddDate(0, 0, i)})
	}
	return out, nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Driver = "memory"
	cfg.Fetcher.MinDelay = 0
	cfg.Fetcher.MaxDelay = 0
	cfg.Fetcher.BackoffInitial = time.Millisecond
	cfg.Fetcher.BackoffMax = time.Millisecond
	cfg.Crawler.Workers = 2
	return cfg
}

type harness struct {
	app       *app.App
	store     *memory.Store
	site      *fakeSite
	publisher *memorypublisher.Publisher
}

func newHarness(t *testing.T, cfg config.Config, opts ...app.Option) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewStore(),
		site:      newFakeSite(),
		publisher: memorypublisher.New(),
	}
	base := []app.Option{
		app.WithStore(h.store),
		app.WithClock(clockwork.NewFakeClockAt(testNow)),
		app.WithWeather(dryWeather{}),
		app.WithSessionFactory(h.site.factory()),
		app.WithPublisher(h.publisher),
		app.WithIDGenerator(&seqIDs{}),
	}
	a, err := app.New(context.Background(), cfg, zap.NewNop(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	h.app = a
	return h
}

func TestNewOpensConfiguredSQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "cragwatch.db")

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &sqlite.Store{}, a.Store())
	roots, err := a.Store().ListChildren(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, roots)
	assert.NotNil(t, a.Ingestor())
	assert.NotNil(t, a.Calculator())
	assert.NotNil(t, a.Forecaster())
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"store driver", func(c *config.Config) { c.Store.Driver = "mongo" }},
		{"archive provider", func(c *config.Config) { c.Archive.Provider = "s3" }},
		{"events provider", func(c *config.Config) { c.Events.Provider = "kafka" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			_, err := app.New(context.Background(), cfg, zap.NewNop())
			require.Error(t, err)
		})
	}
}

func TestNewMemoryEventsProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.Provider = "memory"

	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithStore(memory.NewStore()))
	require.NoError(t, err)
	a.Close()
}

func TestCrawlDiscoversRootsFromRouteGuide(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	_, ok := h.app.LastRun()
	assert.False(t, ok)

	snap, err := h.app.Crawl(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", snap.RunID)
	assert.EqualValues(t, 1, snap.RootsProcessed)
	assert.EqualValues(t, 2, snap.AreasUpserted)
	assert.EqualValues(t, 1, snap.CragsFound)
	assert.Zero(t, snap.Failed)

	assert.Equal(t, []string{routeGuideURL, californiaURL, bishopURL}, h.site.fetchedURLs())

	bishop, err := h.store.GetArea(ctx, area.IDFor(bishopURL))
	require.NoError(t, err)
	assert.Equal(t, "Bishop", bishop.Name)
	require.NotNil(t, bishop.ParentID)
	assert.Equal(t, area.IDFor(californiaURL), *bishop.ParentID)
	require.NotNil(t, bishop.Latitude)
	assert.InDelta(t, 37.36, *bishop.Latitude, 1e-9)

	last, ok := h.app.LastRun()
	require.True(t, ok)
	assert.Equal(t, snap, last)

	h.site.mu.Lock()
	assert.Equal(t, h.site.opened, h.site.closed, "every fetch session is closed")
	h.site.mu.Unlock()
}

func TestCrawlUsesConfiguredRoots(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawler.Roots = []string{" " + bishopURL + " ", ""}
	h := newHarness(t, cfg)

	snap, err := h.app.Crawl(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.AreasUpserted)
	assert.Equal(t, []string{bishopURL}, h.site.fetchedURLs())
}

func TestCrawlSkipsScrapedAreasOnSecondRun(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	_, err := h.app.Crawl(ctx)
	require.NoError(t, err)
	snap, err := h.app.Crawl(ctx)
	require.NoError(t, err)

	assert.Equal(t, "run-2", snap.RunID)
	assert.Zero(t, snap.AreasUpserted)
	assert.EqualValues(t, 2, snap.SkippedAlreadyScraped)
}

func TestCrawlFailsWhenRouteGuideHasNoRegions(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.site.pages = map[string]string{routeGuideURL: `<html><body><p>empty</p></body></html>`}

	_, err := h.app.Crawl(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no roots discovered")
}

func TestRetryFailedRefetchesMarkedAreas(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()
	require.NoError(t, h.store.MarkFailed(ctx, bishopURL))

	snap, err := h.app.RetryFailed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.AreasUpserted)
	assert.EqualValues(t, 1, snap.CragsFound)

	bishop, err := h.store.GetArea(ctx, area.IDFor(bishopURL))
	require.NoError(t, err)
	assert.False(t, bishop.ScrapeFailed)
	assert.Equal(t, "Bishop", bishop.Name)

	failed, err := h.store.ListFailed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestRunAllClassifiesCrawledCrags(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	ctx := context.Background()

	sum, err := h.app.RunAll(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, sum.Crawl.CragsFound)
	assert.EqualValues(t, 1, sum.Weather.CragsProcessed)
	assert.Positive(t, sum.Weather.RecordsUpserted)
	assert.EqualValues(t, 1, sum.Safety.CragsProcessed)
	assert.EqualValues(t, 1, sum.Safety.StatusSafe)

	bishop, err := h.store.GetArea(ctx, area.IDFor(bishopURL))
	require.NoError(t, err)
	require.NotNil(t, bishop.SafetyStatus)
	assert.Equal(t, area.StatusSafe, *bishop.SafetyStatus)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, cfg.Events.Topic, msgs[0].Topic)
	var event safety.StatusChange
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	assert.Equal(t, string(area.StatusUnknown), event.Previous)
	assert.Equal(t, string(area.StatusSafe), event.Current)

	// A second classification with the same weather publishes nothing.
	_, err = h.app.CalculateSafety(ctx)
	require.NoError(t, err)
	assert.Len(t, h.publisher.Messages(), 1)
}

func TestRunAllContinuesAfterCrawlFailure(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.site.pages = map[string]string{}

	sum, err := h.app.RunAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve roots")
	assert.Zero(t, sum.Weather.CragsProcessed)
	assert.Zero(t, sum.Safety.CragsProcessed)
}

func TestLocalArchiveStoresRawPages(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Provider = "local"
	cfg.Archive.BaseDir = t.TempDir()
	cfg.Crawler.ArchiveRaw = true
	cfg.Crawler.Roots = []string{bishopURL}
	h := newHarness(t, cfg)

	_, err := h.app.Crawl(context.Background())
	require.NoError(t, err)

	blobs, err := local.New(local.Config{BaseDir: cfg.Archive.BaseDir})
	require.NoError(t, err)
	raw, err := blobs.ReadObject(filepath.Join("raw", area.IDFor(bishopURL)+".html"))
	require.NoError(t, err)
	assert.Equal(t, pages[bishopURL], string(raw))
}

func TestAPIServerReportsLastRun(t *testing.T) {
	h := newHarness(t, testConfig(t))
	handler := h.app.APIServer().Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/latest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := h.app.Crawl(context.Background())
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap crawler.StatsSnapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, "run-1", snap.RunID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crags", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bishop")
}

func TestServeStopsWhenContextEnds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Addr = "127.0.0.1:0"
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestMigrateDelegatesToStore(t *testing.T) {
	h := newHarness(t, testConfig(t))
	require.NoError(t, h.app.Migrate(context.Background()))
}

func TestCrawlHonoursCancelledContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawler.Roots = []string{bishopURL}
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.app.Crawl(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMemoryArchiveProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Provider = "memory"
	cfg.Crawler.ArchiveRaw = true
	cfg.Crawler.Roots = []string{bishopURL}
	h := newHarness(t, cfg)

	snap, err := h.app.Crawl(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.CragsFound)
	assert.Zero(t, snap.Errors)
}

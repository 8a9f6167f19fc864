package safety

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/area"
	pubmem "github.com/JakeFAU/cragwatch/internal/publisher/memory"
	"github.com/JakeFAU/cragwatch/internal/storage/memory"
)

// testNow puts asOf (today minus the five day lag) on 2026-10-12, day(0).
var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func seedCrag(t *testing.T, store *memory.Store, slug string, records ...area.PrecipitationRecord) string {
	t.Helper()
	a, err := store.UpsertArea(context.Background(), area.Upsert{
		URL:       "https://www.mountainproject.com/area/" + slug,
		Name:      slug,
		Latitude:  ptr(37.3),
		Longitude: ptr(-118.5),
		ScrapedAt: testNow,
	})
	require.NoError(t, err)
	for i := range records {
		records[i].AreaID = a.ID
	}
	require.NoError(t, store.UpsertPrecipitation(context.Background(), records))
	return a.ID
}

func newCalculator(store Store, pub Publisher) *Calculator {
	opts := []Option{WithClock(clockwork.NewFakeClockAt(testNow)), WithLogger(zap.NewNop())}
	if pub != nil {
		opts = append(opts, WithPublisher(pub))
	}
	return New(DefaultConfig(), store, opts...)
}

func TestCalculateAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	pub := pubmem.New()

	soaked := seedCrag(t, store, "1/soaked", rec(-2, 30))
	damp := seedCrag(t, store, "2/damp", rec(-2, 12))
	drizzle := seedCrag(t, store, "6/drizzle", rec(-2, 5))
	dry := seedCrag(t, store, "3/dry", rec(-6, 0), rec(-1, 0), rec(0, 0))
	noData := seedCrag(t, store, "4/nodata")
	_, err := store.UpsertArea(ctx, area.Upsert{URL: "https://www.mountainproject.com/area/5/region", Name: "region", ScrapedAt: testNow})
	require.NoError(t, err)

	calc := newCalculator(store, pub)
	require.Equal(t, day(0), calc.AsOf())

	stats, err := calc.CalculateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{
		CragsProcessed: 5,
		StatusSafe:     2,
		StatusCaution:  1,
		StatusUnsafe:   1,
		NoData:         1,
	}, stats)

	for id, want := range map[string]area.Status{
		soaked:  area.StatusUnsafe,
		damp:    area.StatusCaution,
		drizzle: area.StatusSafe,
		dry:     area.StatusSafe,
		noData:  area.StatusUnknown,
	} {
		a, err := store.GetArea(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, a.SafetyStatus)
		assert.Equal(t, want, *a.SafetyStatus, a.Name)
	}

	msgs := pub.Messages()
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		assert.Equal(t, "crag-status-changes", m.Topic)
		var ev StatusChange
		require.NoError(t, json.Unmarshal(m.Data, &ev))
		assert.Equal(t, "UNKNOWN", ev.Previous)
		assert.NotEqual(t, ev.Previous, ev.Current)
		assert.True(t, ev.CalculatedAt.Equal(testNow))
	}

	// Unchanged statuses publish nothing on the next run.
	_, err = calc.CalculateAll(ctx)
	require.NoError(t, err)
	assert.Len(t, pub.Messages(), 4)
}

func TestCalculateCountsRecordsInsideReportingLag(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	id := seedCrag(t, store, "1/crag", rec(-5, 0), rec(3, 40))

	res, err := newCalculator(store, nil).CalculateOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, area.StatusUnsafe, res.Status)
	assert.InDelta(t, 40, res.Metrics.TotalMM, 1e-9)
	require.NotNil(t, res.Metrics.DaysSinceRain)
	assert.Equal(t, 2, *res.Metrics.DaysSinceRain)
}

func TestCalculateOnlyNewRecordsIsNotNoData(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	id := seedCrag(t, store, "1/crag", rec(2, 0), rec(4, 0))

	res, err := newCalculator(store, nil).CalculateOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, area.StatusSafe, res.Status)
	assert.Equal(t, 2, res.Metrics.Records)
}

func TestCalculateFutureRecordsAreNoData(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	id := seedCrag(t, store, "1/crag", rec(7, 30))

	res, err := newCalculator(store, nil).CalculateOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, area.StatusUnknown, res.Status)
	assert.Zero(t, res.Metrics.Records)
}

func TestCalculateOneRejectsNonCrag(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	a, err := store.UpsertArea(context.Background(), area.Upsert{URL: "https://www.mountainproject.com/area/9/region", Name: "region", ScrapedAt: testNow})
	require.NoError(t, err)

	_, err = newCalculator(store, nil).CalculateOne(context.Background(), a.ID)
	require.ErrorIs(t, err, ErrNotCrag)
}

func TestCalculatePublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	pub := pubmem.New()
	pub.FailWith(errors.New("broker down"))
	id := seedCrag(t, store, "1/crag", rec(4, 3))

	res, err := newCalculator(store, pub).CalculateOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, area.StatusUnsafe, res.Status)
}

type flakyStore struct {
	*memory.Store
	failID string
}

func (f flakyStore) ListPrecipitation(ctx context.Context, areaID string, from, to time.Time) ([]area.PrecipitationRecord, error) {
	if areaID == f.failID {
		return nil, errors.New("connection reset")
	}
	return f.Store.ListPrecipitation(ctx, areaID, from, to)
}

func TestCalculateAllCountsErrors(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	bad := seedCrag(t, store, "1/bad", rec(0, 0))
	seedCrag(t, store, "2/good", rec(0, 0))

	stats, err := newCalculator(flakyStore{Store: store, failID: bad}, nil).CalculateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(1), stats.CragsProcessed)
	assert.Equal(t, int64(1), stats.StatusSafe)
}

func TestCalculateAllCancelled(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	seedCrag(t, store, "1/crag", rec(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newCalculator(store, nil).CalculateAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExplain(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	var records []area.PrecipitationRecord
	for i := -14; i <= 5; i++ {
		records = append(records, rec(i, 0))
	}
	records = append(records, rec(3, 4.26))
	id := seedCrag(t, store, "1/crag", records...)

	ex, err := newCalculator(store, nil).Explain(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, area.StatusCaution, ex.CalculatedStatus)
	require.NotNil(t, ex.CurrentStatus)
	assert.Equal(t, area.StatusUnknown, *ex.CurrentStatus)
	assert.Equal(t, "2026-10-12", ex.AsOf)
	assert.Equal(t, 4.3, ex.Metrics.TotalMM)
	require.NotNil(t, ex.Metrics.DaysSinceRain)
	assert.Equal(t, 2, *ex.Metrics.DaysSinceRain)
	require.NotNil(t, ex.Metrics.LastRainDate)
	assert.Equal(t, "2026-10-15", *ex.Metrics.LastRainDate)
	assert.Equal(t, DefaultThresholds(), ex.Thresholds)

	require.Len(t, ex.DailyPrecipitation, maxExplainRows)
	assert.Equal(t, DailyPrecipitation{Date: "2026-10-17", DaysAgo: 0}, ex.DailyPrecipitation[0])
	assert.Equal(t, "2026-10-16", ex.DailyPrecipitation[1].Date)
	assert.Equal(t, 1, ex.DailyPrecipitation[1].DaysAgo)
	assert.Equal(t, DailyPrecipitation{Date: "2026-10-15", DaysAgo: 2, PrecipitationMM: 4.26}, ex.DailyPrecipitation[2])

	// Explaining never writes.
	a, err := store.GetArea(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, area.StatusUnknown, *a.SafetyStatus)
}

func TestExplainWithoutData(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	id := seedCrag(t, store, "1/crag")

	ex, err := newCalculator(store, nil).Explain(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, area.StatusUnknown, ex.CalculatedStatus)
	assert.Empty(t, ex.DailyPrecipitation)
	assert.Nil(t, ex.Metrics.DaysSinceRain)
}

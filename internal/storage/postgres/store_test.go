package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cragwatch/internal/area"
	"github.com/JakeFAU/cragwatch/internal/store"
)

const (
	bishopURL      = "https://www.mountainproject.com/area/106094867/bishop-area"
	buttermilksURL = "https://www.mountainproject.com/area/106132126/buttermilks-main"
)

var scrapedAt = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func areaRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "name", "url", "parent_id", "latitude", "longitude", "safety_status", "scraped_at", "scrape_failed",
	})
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ods_areas").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Contains(t, Schema(), "idx_ods_areas_needs_scrape")
}

func TestUpsertAreaReturnsStoredRow(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	parent := area.IDFor(bishopURL)
	u := area.Upsert{
		URL:       buttermilksURL,
		Name:      "Buttermilks Main",
		ParentID:  &parent,
		Latitude:  ptr(37.3297),
		Longitude: ptr(-118.5779),
		ScrapedAt: scrapedAt,
	}
	mock.ExpectQuery("INSERT INTO ods_areas").
		WithArgs(u.ID(), u.Name, u.URL, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), scrapedAt).
		WillReturnRows(areaRows().AddRow(
			u.ID(), u.Name, u.URL, ptr(parent), ptr(37.3297), ptr(-118.5779), ptr("CAUTION"), ptr(scrapedAt), false,
		))

	got, err := s.UpsertArea(context.Background(), u)
	require.NoError(t, err)
	require.Equal(t, u.ID(), got.ID)
	require.Equal(t, parent, *got.ParentID)
	require.Equal(t, area.StatusCaution, *got.SafetyStatus)
	require.True(t, got.IsCrag())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAreaRequiresURL(t *testing.T) {
	t.Parallel()
	s, _ := newMockStore(t)

	_, err := s.UpsertArea(context.Background(), area.Upsert{Name: "x"})
	require.Error(t, err)
}

func TestUpsertPlaceholderDoesNothingOnConflict(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("ON CONFLICT \\(id\\) DO NOTHING").
		WithArgs(area.IDFor(bishopURL), "Bishop Area", bishopURL, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, s.UpsertPlaceholder(context.Background(), bishopURL, "Bishop Area", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("scrape_failed = TRUE").
		WithArgs(area.IDFor(bishopURL), bishopURL).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkFailed(context.Background(), bishopURL))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAreaNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM ods_areas WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetArea(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListChildrenOfRoot(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("WHERE parent_id IS NULL").
		WillReturnRows(areaRows().AddRow(
			area.IDFor(bishopURL), "Bishop Area", bishopURL, (*string)(nil), (*float64)(nil), (*float64)(nil),
			(*string)(nil), ptr(scrapedAt), false,
		))

	got, err := s.ListChildren(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Nil(t, got[0].ParentID)
	require.Nil(t, got[0].SafetyStatus)
	require.False(t, got[0].IsCrag())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListChildrenOfParent(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	parent := area.IDFor(bishopURL)
	mock.ExpectQuery("WHERE parent_id = \\$1").
		WithArgs(parent).
		WillReturnRows(areaRows())

	got, err := s.ListChildren(context.Background(), &parent)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScrapedURLs(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT url FROM ods_areas").
		WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow(bishopURL).AddRow(buttermilksURL))

	got, err := s.ScrapedURLs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{bishopURL, buttermilksURL}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSafetyStatus(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE ods_areas SET safety_status").
		WithArgs("SAFE", "crag-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE ods_areas SET safety_status").
		WithArgs("SAFE", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.UpdateSafetyStatus(context.Background(), "crag-1", area.StatusSafe))
	require.ErrorIs(t, s.UpdateSafetyStatus(context.Background(), "missing", area.StatusSafe), store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPrecipitationSingleTransaction(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	d1 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	records := []area.PrecipitationRecord{
		{AreaID: "crag-1", RecordedAt: d1, PrecipitationMM: 1},
		{AreaID: "crag-1", RecordedAt: d2, PrecipitationMM: 2},
		{AreaID: "crag-1", RecordedAt: d1.Add(6 * time.Hour), PrecipitationMM: 3},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ods_precipitation .* ON CONFLICT \\(area_id, recorded_at\\) DO UPDATE").
		WithArgs(
			"crag-1", d1, 3.0, pgxmock.AnyArg(), pgxmock.AnyArg(),
			"crag-1", d2, 2.0, pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertPrecipitation(context.Background(), records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPrecipitationRollsBackOnError(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ods_precipitation").
		WillReturnError(errors.New("foreign key violation"))
	mock.ExpectRollback()

	err := s.UpsertPrecipitation(context.Background(), []area.PrecipitationRecord{
		{AreaID: "ghost", RecordedAt: scrapedAt, PrecipitationMM: 1},
	})
	require.ErrorContains(t, err, "foreign key violation")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPrecipitationEmptyIsNoop(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	require.NoError(t, s.UpsertPrecipitation(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPrecipitation(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	from := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 10, 14, 18, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM ods_precipitation").
		WithArgs("crag-1", from, area.Day(to)).
		WillReturnRows(pgxmock.NewRows([]string{"area_id", "recorded_at", "precipitation_mm", "temp_max_c", "temp_min_c"}).
			AddRow("crag-1", from.AddDate(0, 0, 2), 4.5, ptr(18.0), ptr(4.0)).
			AddRow("crag-1", from, 0.0, ptr(20.0), ptr(6.0)))

	got, err := s.ListPrecipitation(context.Background(), "crag-1", from, to)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 4.5, got[0].PrecipitationMM)
	require.Equal(t, 18.0, *got[0].TempMaxC)
	require.NoError(t, mock.ExpectationsWereMet())
}

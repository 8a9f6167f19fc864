// Package sqlite persists the area tree in a single SQLite file for local
// development, using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/cragwatch/internal/area"
	"github.com/JakeFAU/cragwatch/internal/store"
)

//go:embed schema.sql
var schema string

const (
	dateLayout = time.DateOnly
	timeLayout = time.RFC3339Nano
)

// Config locates the database file. An empty DSN opens a private
// in-memory database.
type Config struct {
	DSN string
}

// Store implements store.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (and creates when missing) the database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection also keeps an in-memory
	// database alive for the life of the pool.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const areaColumns = `id, name, url, parent_id, latitude, longitude, safety_status, scraped_at, scrape_failed`

const upsertAreaSQL = `
INSERT INTO ods_areas (id, name, url, parent_id, latitude, longitude, safety_status, scraped_at, scrape_failed, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name,
	parent_id = excluded.parent_id,
	latitude = excluded.latitude,
	longitude = excluded.longitude,
	safety_status = COALESCE(ods_areas.safety_status, excluded.safety_status),
	scraped_at = excluded.scraped_at,
	scrape_failed = 0,
	updated_at = excluded.updated_at`

// UpsertArea inserts or refreshes a visited area.
func (s *Store) UpsertArea(ctx context.Context, u area.Upsert) (area.Area, error) {
	if u.URL == "" {
		return area.Area{}, fmt.Errorf("area url is required")
	}
	var status any
	if u.HasCoordinates() {
		status = string(area.StatusUnknown)
	}
	scraped := u.ScrapedAt.UTC().Format(timeLayout)
	if _, err := s.db.ExecContext(ctx, upsertAreaSQL,
		u.ID(), u.Name, u.URL, nullString(u.ParentID), nullFloat(u.Latitude), nullFloat(u.Longitude),
		status, scraped, scraped,
	); err != nil {
		return area.Area{}, fmt.Errorf("upsert area %s: %w", u.URL, err)
	}
	return s.GetArea(ctx, u.ID())
}

// UpsertPlaceholder records a discovered area unless it already exists.
func (s *Store) UpsertPlaceholder(ctx context.Context, url, name string, parentID *string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO ods_areas (id, name, url, parent_id) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		area.IDFor(url), name, url, nullString(parentID),
	); err != nil {
		return fmt.Errorf("insert placeholder %s: %w", url, err)
	}
	return nil
}

// MarkFailed flags the area for retry, creating a placeholder when needed.
func (s *Store) MarkFailed(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO ods_areas (id, name, url, scrape_failed) VALUES (?, ?, ?, 1)
ON CONFLICT (id) DO UPDATE SET scrape_failed = 1, updated_at = CURRENT_TIMESTAMP`,
		area.IDFor(url), url, url,
	); err != nil {
		return fmt.Errorf("mark %s failed: %w", url, err)
	}
	return nil
}

// ListFailed returns failed areas ordered by URL.
func (s *Store) ListFailed(ctx context.Context) ([]area.Area, error) {
	return s.queryAreas(ctx, `SELECT `+areaColumns+` FROM ods_areas WHERE scrape_failed = 1 ORDER BY url`)
}

// ScrapedURLs lists URLs fetched successfully.
func (s *Store) ScrapedURLs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM ods_areas WHERE scraped_at IS NOT NULL AND scrape_failed = 0 ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("query scraped urls: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetArea loads one area or returns store.ErrNotFound.
func (s *Store) GetArea(ctx context.Context, id string) (area.Area, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+areaColumns+` FROM ods_areas WHERE id = ?`, id)
	a, err := scanArea(row)
	if errors.Is(err, sql.ErrNoRows) {
		return area.Area{}, store.ErrNotFound
	}
	if err != nil {
		return area.Area{}, fmt.Errorf("get area %s: %w", id, err)
	}
	return a, nil
}

// ListChildren lists areas with the given parent (roots when nil).
func (s *Store) ListChildren(ctx context.Context, parentID *string) ([]area.Area, error) {
	if parentID == nil {
		return s.queryAreas(ctx, `SELECT `+areaColumns+` FROM ods_areas WHERE parent_id IS NULL ORDER BY name, url`)
	}
	return s.queryAreas(ctx, `SELECT `+areaColumns+` FROM ods_areas WHERE parent_id = ? ORDER BY name, url`, *parentID)
}

// ListCrags lists areas with coordinates.
func (s *Store) ListCrags(ctx context.Context) ([]area.Area, error) {
	return s.queryAreas(ctx,
		`SELECT `+areaColumns+` FROM ods_areas WHERE latitude IS NOT NULL AND longitude IS NOT NULL ORDER BY name, url`)
}

// UpdateSafetyStatus stores a classification.
func (s *Store) UpdateSafetyStatus(ctx context.Context, id string, status area.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ods_areas SET safety_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const upsertPrecipSQL = `
INSERT INTO ods_precipitation (area_id, recorded_at, precipitation_mm, temp_max_c, temp_min_c)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (area_id, recorded_at) DO UPDATE SET
	precipitation_mm = excluded.precipitation_mm,
	temp_max_c = excluded.temp_max_c,
	temp_min_c = excluded.temp_min_c`

// UpsertPrecipitation writes records in one transaction.
func (s *Store) UpsertPrecipitation(ctx context.Context, records []area.PrecipitationRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin precipitation batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, upsertPrecipSQL)
	if err != nil {
		return fmt.Errorf("prepare precipitation upsert: %w", err)
	}
	defer stmt.Close()
	for _, r := range records {
		if _, err = stmt.ExecContext(ctx,
			r.AreaID, area.Day(r.RecordedAt).Format(dateLayout), r.PrecipitationMM,
			nullFloat(r.TempMaxC), nullFloat(r.TempMinC),
		); err != nil {
			return fmt.Errorf("upsert precipitation for %s: %w", r.AreaID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit precipitation batch: %w", err)
	}
	return nil
}

// ListPrecipitation returns records in [from, to], newest first.
func (s *Store) ListPrecipitation(ctx context.Context, areaID string, from, to time.Time) ([]area.PrecipitationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT area_id, recorded_at, precipitation_mm, temp_max_c, temp_min_c FROM ods_precipitation
WHERE area_id = ? AND recorded_at BETWEEN ? AND ?
ORDER BY recorded_at DESC`,
		areaID, area.Day(from).Format(dateLayout), area.Day(to).Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("query precipitation: %w", err)
	}
	defer rows.Close()
	var out []area.PrecipitationRecord
	for rows.Next() {
		var (
			r          area.PrecipitationRecord
			day        string
			tmax, tmin sql.NullFloat64
		)
		if err := rows.Scan(&r.AreaID, &day, &r.PrecipitationMM, &tmax, &tmin); err != nil {
			return nil, fmt.Errorf("scan precipitation: %w", err)
		}
		if r.RecordedAt, err = time.Parse(dateLayout, day); err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", day, err)
		}
		r.TempMaxC = floatPtr(tmax)
		r.TempMinC = floatPtr(tmin)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) queryAreas(ctx context.Context, query string, args ...any) ([]area.Area, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query areas: %w", err)
	}
	defer rows.Close()
	var out []area.Area
	for rows.Next() {
		a, err := scanArea(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArea(row scanner) (area.Area, error) {
	var (
		a              area.Area
		parent, status sql.NullString
		scraped        sql.NullString
		lat, lon       sql.NullFloat64
		failed         int
	)
	if err := row.Scan(&a.ID, &a.Name, &a.URL, &parent, &lat, &lon, &status, &scraped, &failed); err != nil {
		return area.Area{}, err
	}
	if parent.Valid {
		a.ParentID = &parent.String
	}
	a.Latitude = floatPtr(lat)
	a.Longitude = floatPtr(lon)
	if status.Valid {
		st, err := area.ParseStatus(status.String)
		if err != nil {
			return area.Area{}, err
		}
		a.SafetyStatus = &st
	}
	if scraped.Valid && strings.TrimSpace(scraped.String) != "" {
		t, err := time.Parse(timeLayout, scraped.String)
		if err != nil {
			return area.Area{}, fmt.Errorf("parse scraped_at %q: %w", scraped.String, err)
		}
		a.ScrapedAt = &t
	}
	a.ScrapeFailed = failed != 0
	return a, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// Package postgres persists the area tree and daily precipitation in
// Postgres through a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/cragwatch/internal/area"
	"github.com/JakeFAU/cragwatch/internal/store"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL applied by Migrate.
func Schema() string { return schema }

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements store.Store on Postgres.
type Store struct {
	pool pool
}

var _ store.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const areaColumns = `id, name, url, parent_id, latitude, longitude, safety_status, scraped_at, scrape_failed`

const upsertAreaSQL = `
INSERT INTO ods_areas (id, name, url, parent_id, latitude, longitude, safety_status, scraped_at, scrape_failed, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $8)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	parent_id = EXCLUDED.parent_id,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	safety_status = COALESCE(ods_areas.safety_status, EXCLUDED.safety_status),
	scraped_at = EXCLUDED.scraped_at,
	scrape_failed = FALSE,
	updated_at = EXCLUDED.updated_at
RETURNING ` + areaColumns

// UpsertArea inserts or refreshes a visited area. New crags start UNKNOWN;
// an existing status is preserved.
func (s *Store) UpsertArea(ctx context.Context, u area.Upsert) (area.Area, error) {
	if u.URL == "" {
		return area.Area{}, fmt.Errorf("area url is required")
	}
	var status *string
	if u.HasCoordinates() {
		unknown := string(area.StatusUnknown)
		status = &unknown
	}
	row := s.pool.QueryRow(ctx, upsertAreaSQL,
		u.ID(), u.Name, u.URL, u.ParentID, u.Latitude, u.Longitude, status, u.ScrapedAt.UTC(),
	)
	a, err := scanArea(row)
	if err != nil {
		return area.Area{}, fmt.Errorf("upsert area %s: %w", u.URL, err)
	}
	return a, nil
}

const upsertPlaceholderSQL = `
INSERT INTO ods_areas (id, name, url, parent_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`

// UpsertPlaceholder records a discovered area unless it already exists.
func (s *Store) UpsertPlaceholder(ctx context.Context, url, name string, parentID *string) error {
	if _, err := s.pool.Exec(ctx, upsertPlaceholderSQL, area.IDFor(url), name, url, parentID); err != nil {
		return fmt.Errorf("insert placeholder %s: %w", url, err)
	}
	return nil
}

const markFailedSQL = `
INSERT INTO ods_areas (id, name, url, scrape_failed)
VALUES ($1, $2, $2, TRUE)
ON CONFLICT (id) DO UPDATE SET scrape_failed = TRUE, updated_at = NOW()`

// MarkFailed flags the area for retry, creating a placeholder when needed.
func (s *Store) MarkFailed(ctx context.Context, url string) error {
	if _, err := s.pool.Exec(ctx, markFailedSQL, area.IDFor(url), url); err != nil {
		return fmt.Errorf("mark %s failed: %w", url, err)
	}
	return nil
}

// ListFailed returns failed areas ordered by URL.
func (s *Store) ListFailed(ctx context.Context) ([]area.Area, error) {
	return s.queryAreas(ctx, `SELECT `+areaColumns+` FROM ods_areas WHERE scrape_failed ORDER BY url`)
}

// ScrapedURLs lists URLs fetched successfully.
func (s *Store) ScrapedURLs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT url FROM ods_areas WHERE scraped_at IS NOT NULL AND NOT scrape_failed ORDER BY url`)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate urls: %w", err)
	}
	return out, nil
}

// GetArea loads one area or returns store.ErrNotFound.
func (s *Store) GetArea(ctx context.Context, id string) (area.Area, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+areaColumns+` FROM ods_areas WHERE id = $1`, id)
	a, err := scanArea(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	return s.queryAreas(ctx, `SELECT `+areaColumns+` FROM ods_areas WHERE parent_id = $1 ORDER BY name, url`, *parentID)
}

// ListCrags lists areas with coordinates.
func (s *Store) ListCrags(ctx context.Context) ([]area.Area, error) {
	return s.queryAreas(ctx,
		`SELECT `+areaColumns+` FROM ods_areas WHERE latitude IS NOT NULL AND longitude IS NOT NULL ORDER BY name, url`)
}

// UpdateSafetyStatus stores a classification.
func (s *Store) UpdateSafetyStatus(ctx context.Context, id string, status area.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ods_areas SET safety_status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const precipColumns = `area_id, recorded_at, precipitation_mm, temp_max_c, temp_min_c`

// UpsertPrecipitation writes records in one transaction. Duplicates within
// the batch collapse to the last occurrence.
func (s *Store) UpsertPrecipitation(ctx context.Context, records []area.PrecipitationRecord) (err error) {
	records = dedupe(records)
	if len(records) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO ods_precipitation (` + precipColumns + `) VALUES `)
	args := make([]any, 0, len(records)*5)
	for i, r := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * 5
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, r.AreaID, area.Day(r.RecordedAt), r.PrecipitationMM, r.TempMaxC, r.TempMinC)
	}
	b.WriteString(` ON CONFLICT (area_id, recorded_at) DO UPDATE SET
	precipitation_mm = EXCLUDED.precipitation_mm,
	temp_max_c = EXCLUDED.temp_max_c,
	temp_min_c = EXCLUDED.temp_min_c`)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin precipitation batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if _, err = tx.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("upsert precipitation: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit precipitation batch: %w", err)
	}
	return nil
}

func dedupe(records []area.PrecipitationRecord) []area.PrecipitationRecord {
	type key struct {
		id  string
		day time.Time
	}
	index := make(map[key]int, len(records))
	out := make([]area.PrecipitationRecord, 0, len(records))
	for _, r := range records {
		k := key{r.AreaID, area.Day(r.RecordedAt)}
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}

// ListPrecipitation returns records in [from, to], newest first.
func (s *Store) ListPrecipitation(ctx context.Context, areaID string, from, to time.Time) ([]area.PrecipitationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+precipColumns+` FROM ods_precipitation
WHERE area_id = $1 AND recorded_at BETWEEN $2 AND $3
ORDER BY recorded_at DESC`,
		areaID, area.Day(from), area.Day(to))
	if err != nil {
		return nil, fmt.Errorf("query precipitation: %w", err)
	}
	defer rows.Close()
	var out []area.PrecipitationRecord
	for rows.Next() {
		var r area.PrecipitationRecord
		if err := rows.Scan(&r.AreaID, &r.RecordedAt, &r.PrecipitationMM, &r.TempMaxC, &r.TempMinC); err != nil {
			return nil, fmt.Errorf("scan precipitation: %w", err)
		}
		r.RecordedAt = area.Day(r.RecordedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate precipitation: %w", err)
	}
	return out, nil
}

func (s *Store) queryAreas(ctx context.Context, sql string, args ...any) ([]area.Area, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate areas: %w", err)
	}
	return out, nil
}

func scanArea(row pgx.Row) (area.Area, error) {
	var (
		a      area.Area
		status *string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.URL, &a.ParentID, &a.Latitude, &a.Longitude,
		&status, &a.ScrapedAt, &a.ScrapeFailed); err != nil {
		return area.Area{}, err
	}
	if status != nil {
		parsed, err := area.ParseStatus(*status)
		if err != nil {
			return area.Area{}, err
		}
		a.SafetyStatus = &parsed
	}
	return a, nil
}

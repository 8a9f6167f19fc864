package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/cragwatch/internal/area"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// AreaRepository persists and reads the area tree.
type AreaRepository interface {
	// UpsertArea inserts or refreshes a visited area, clearing scrape_failed.
	UpsertArea(ctx context.Context, u area.Upsert) (area.Area, error)
	// UpsertPlaceholder records a discovered but not yet fetched area. It
	// never overwrites an existing row.
	UpsertPlaceholder(ctx context.Context, url, name string, parentID *string) error
	// MarkFailed flags an area for the retry pass without touching its
	// structural fields.
	MarkFailed(ctx context.Context, url string) error
	// ListFailed returns areas whose last fetch failed.
	ListFailed(ctx context.Context) ([]area.Area, error)
	// ScrapedURLs returns the URLs fetched successfully at least once.
	ScrapedURLs(ctx context.Context) ([]string, error)

	// GetArea loads one area or returns ErrNotFound.
	GetArea(ctx context.Context, id string) (area.Area, error)
	// ListChildren lists areas by parent; a nil parent lists the roots.
	ListChildren(ctx context.Context, parentID *string) ([]area.Area, error)
	// ListCrags lists every area with coordinates.
	ListCrags(ctx context.Context) ([]area.Area, error)
	// UpdateSafetyStatus stores a classification result.
	UpdateSafetyStatus(ctx context.Context, id string, status area.Status) error
}

// PrecipitationRepository persists daily weather per area.
type PrecipitationRepository interface {
	// UpsertPrecipitation writes records in one transaction, replacing rows
	// that share (area_id, recorded_at).
	UpsertPrecipitation(ctx context.Context, records []area.PrecipitationRecord) error
	// ListPrecipitation returns records for areaID with from <= day <= to,
	// newest first.
	ListPrecipitation(ctx context.Context, areaID string, from, to time.Time) ([]area.PrecipitationRecord, error)
}

// Store bundles both repositories behind one connection.
type Store interface {
	AreaRepository
	PrecipitationRepository
	Migrate(ctx context.Context) error
	Close() error
}

// GetNode loads an area together with its direct children.
func GetNode(ctx context.Context, repo AreaRepository, id string) (area.Node, error) {
	a, err := repo.GetArea(ctx, id)
	if err != nil {
		return area.Node{}, err
	}
	children, err := repo.ListChildren(ctx, &a.ID)
	if err != nil {
		return area.Node{}, err
	}
	if children == nil {
		children = []area.Area{}
	}
	return area.Node{Area: a, Children: children}, nil
}

// MaxAncestorDepth bounds ancestor walks.
const MaxAncestorDepth = 64

// Ancestors reconstructs the chain from the root down to id (inclusive).
func Ancestors(ctx context.Context, repo AreaRepository, id string) ([]area.Area, error) {
	var chain []area.Area
	next := &id
	for next != nil && len(chain) < MaxAncestorDepth {
		a, err := repo.GetArea(ctx, *next)
		if err != nil {
			if errors.Is(err, ErrNotFound) && len(chain) > 0 {
				break
			}
			return nil, err
		}
		chain = append(chain, a)
		next = a.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/cragwatch/internal/area"
	"github.com/JakeFAU/cragwatch/internal/store"
)

type precipKey struct {
	areaID string
	day    time.Time
}

// Store implements store.Store with maps guarded by a mutex.
type Store struct {
	mu     sync.RWMutex
	areas  map[string]area.Area
	precip map[precipKey]area.PrecipitationRecord
}

var _ store.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		areas:  make(map[string]area.Area),
		precip: make(map[precipKey]area.PrecipitationRecord),
	}
}

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// UpsertArea inserts or refreshes an area.
func (s *Store) UpsertArea(_ context.Context, u area.Upsert) (area.Area, error) {
	if u.URL == "" {
		return area.Area{}, fmt.Errorf("area url is required")
	}
	id := u.ID()
	scraped := u.ScrapedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	a, exists := s.areas[id]
	if !exists {
		a = area.Area{ID: id, URL: u.URL}
	}
	a.Name = u.Name
	a.ParentID = cloneString(u.ParentID)
	a.Latitude = cloneFloat(u.Latitude)
	a.Longitude = cloneFloat(u.Longitude)
	a.ScrapedAt = &scraped
	a.ScrapeFailed = false
	if a.SafetyStatus == nil && u.HasCoordinates() {
		a.SafetyStatus = area.StatusPtr(area.StatusUnknown)
	}
	s.areas[id] = a
	return cloneArea(a), nil
}

// UpsertPlaceholder records a discovered area unless it already exists.
func (s *Store) UpsertPlaceholder(_ context.Context, url, name string, parentID *string) error {
	id := area.IDFor(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.areas[id]; exists {
		return nil
	}
	s.areas[id] = area.Area{ID: id, URL: url, Name: name, ParentID: cloneString(parentID)}
	return nil
}

// MarkFailed flags the area for retry, creating a placeholder when needed.
func (s *Store) MarkFailed(_ context.Context, url string) error {
	id := area.IDFor(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, exists := s.areas[id]
	if !exists {
		a = area.Area{ID: id, URL: url, Name: url}
	}
	a.ScrapeFailed = true
	s.areas[id] = a
	return nil
}

// ListFailed returns failed areas ordered by URL.
func (s *Store) ListFailed(context.Context) ([]area.Area, error) {
	return s.filter(func(a area.Area) bool { return a.ScrapeFailed }, byURL), nil
}

// ScrapedURLs lists URLs fetched successfully.
func (s *Store) ScrapedURLs(context.Context) ([]string, error) {
	areas := s.filter(func(a area.Area) bool { return a.ScrapedAt != nil && !a.ScrapeFailed }, byURL)
	out := make([]string, 0, len(areas))
	for _, a := range areas {
		out = append(out, a.URL)
	}
	return out, nil
}

// GetArea loads one area.
func (s *Store) GetArea(_ context.Context, id string) (area.Area, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.areas[id]
	if !ok {
		return area.Area{}, store.ErrNotFound
	}
	return cloneArea(a), nil
}

// ListChildren lists areas with the given parent (roots when nil).
func (s *Store) ListChildren(_ context.Context, parentID *string) ([]area.Area, error) {
	return s.filter(func(a area.Area) bool {
		if parentID == nil {
			return a.ParentID == nil
		}
		return a.ParentID != nil && *a.ParentID == *parentID
	}, byName), nil
}

// ListCrags lists areas with coordinates.
func (s *Store) ListCrags(context.Context) ([]area.Area, error) {
	return s.filter(area.Area.IsCrag, byName), nil
}

// UpdateSafetyStatus stores a classification.
func (s *Store) UpdateSafetyStatus(_ context.Context, id string, status area.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.areas[id]
	if !ok {
		return store.ErrNotFound
	}
	a.SafetyStatus = area.StatusPtr(status)
	s.areas[id] = a
	return nil
}

// UpsertPrecipitation replaces records sharing (area, day).
func (s *Store) UpsertPrecipitation(_ context.Context, records []area.PrecipitationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		r.RecordedAt = area.Day(r.RecordedAt)
		r.TempMaxC = cloneFloat(r.TempMaxC)
		r.TempMinC = cloneFloat(r.TempMinC)
		s.precip[precipKey{areaID: r.AreaID, day: r.RecordedAt}] = r
	}
	return nil
}

// ListPrecipitation returns records in [from, to], newest first.
func (s *Store) ListPrecipitation(_ context.Context, areaID string, from, to time.Time) ([]area.PrecipitationRecord, error) {
	from, to = area.Day(from), area.Day(to)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []area.PrecipitationRecord
	for k, r := range s.precip {
		if k.areaID != areaID || k.day.Before(from) || k.day.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out, nil
}

// PrecipitationCount returns the number of stored records.
func (s *Store) PrecipitationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.precip)
}

// Areas returns every stored area ordered by URL.
func (s *Store) Areas() []area.Area {
	return s.filter(func(area.Area) bool { return true }, byURL)
}

func (s *Store) filter(keep func(area.Area) bool, less func(a, b area.Area) bool) []area.Area {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []area.Area
	for _, a := range s.areas {
		if keep(a) {
			out = append(out, cloneArea(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func byURL(a, b area.Area) bool { return a.URL < b.URL }

func byName(a, b area.Area) bool {
	if a.Name == b.Name {
		return a.URL < b.URL
	}
	return a.Name < b.Name
}

func cloneArea(a area.Area) area.Area {
	a.ParentID = cloneString(a.ParentID)
	a.Latitude = cloneFloat(a.Latitude)
	a.Longitude = cloneFloat(a.Longitude)
	if a.SafetyStatus != nil {
		a.SafetyStatus = area.StatusPtr(*a.SafetyStatus)
	}
	if a.ScrapedAt != nil {
		t := *a.ScrapedAt
		a.ScrapedAt = &t
	}
	return a
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

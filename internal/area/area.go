// Package area holds the persisted domain model shared by the crawler, the
// weather ingestor and the safety engine.
package area

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/cragwatch/internal/id/uuid"
)

// Status is the safety classification stored on a crag.
type Status string

// Status values.
const (
	StatusSafe    Status = "SAFE"
	StatusCaution Status = "CAUTION"
	StatusUnsafe  Status = "UNSAFE"
	StatusUnknown Status = "UNKNOWN"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSafe, StatusCaution, StatusUnsafe, StatusUnknown:
		return true
	default:
		return false
	}
}

// ParseStatus converts a stored or user-supplied value into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown safety status %q", raw)
	}
	return s, nil
}

// Area is one node of the discovered hierarchy.
type Area struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	URL          string     `json:"url"`
	ParentID     *string    `json:"parent_id,omitempty"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	SafetyStatus *Status    `json:"safety_status,omitempty"`
	ScrapedAt    *time.Time `json:"scraped_at,omitempty"`
	ScrapeFailed bool       `json:"scrape_failed"`
}

// IsCrag reports whether the area has coordinates and is therefore eligible
// for weather ingestion and classification.
func (a Area) IsCrag() bool {
	return a.Latitude != nil && a.Longitude != nil
}

// Node is an area together with its direct children.
type Node struct {
	Area
	Children []Area `json:"children"`
}

// Upsert carries the fields refreshed on every successful visit of a page.
type Upsert struct {
	URL       string
	Name      string
	ParentID  *string
	Latitude  *float64
	Longitude *float64
	ScrapedAt time.Time
}

// ID returns the deterministic identifier for the upsert's URL.
func (u Upsert) ID() string {
	return IDFor(u.URL)
}

// HasCoordinates reports whether both coordinates were extracted.
func (u Upsert) HasCoordinates() bool {
	return u.Latitude != nil && u.Longitude != nil
}

// PrecipitationRecord is one day of observed or forecast weather for an area.
type PrecipitationRecord struct {
	AreaID          string    `json:"area_id"`
	RecordedAt      time.Time `json:"recorded_at"`
	PrecipitationMM float64   `json:"precipitation_mm"`
	TempMaxC        *float64  `json:"temperature_max_c,omitempty"`
	TempMinC        *float64  `json:"temperature_min_c,omitempty"`
}

var ids = uuid.NewDeterministic()

// IDFor derives the stable identifier of a canonical URL.
func IDFor(canonicalURL string) string {
	return ids.FromURL(canonicalURL)
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// StatusPtr is a small helper for optional status fields.
func StatusPtr(s Status) *Status {
	return &s
}

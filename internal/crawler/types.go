package crawler

import (
	"sync/atomic"
	"time"
)

// Link is an outgoing reference found on a page.
type Link struct {
	URL  string
	Text string
}

// Page is the structured content extracted from one fetched payload.
type Page struct {
	Name        string
	Latitude    *float64
	Longitude   *float64
	Breadcrumbs []string
	Children    []Link
}

// HasCoordinates reports whether both coordinates were extracted.
func (p Page) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// ChildURLs returns the raw child link targets in page order.
func (p Page) ChildURLs() []string {
	out := make([]string, 0, len(p.Children))
	for _, l := range p.Children {
		out = append(out, l.URL)
	}
	return out
}

// Root is a traversal starting point handed to a worker.
type Root struct {
	URL      string
	Name     string
	ParentID *string
}

// Item is one frontier entry. Predecessor is the parent of ParentID as
// established when the item was enqueued.
type Item struct {
	URL         string
	ParentID    *string
	Predecessor *string
	Depth       int
}

// Stats counts what a run did. Fields are updated atomically by concurrent
// workers.
type Stats struct {
	RootsProcessed        atomic.Int64
	AreasProcessed        atomic.Int64
	AreasUpserted         atomic.Int64
	CragsFound            atomic.Int64
	SkippedAlreadyScraped atomic.Int64
	Failed                atomic.Int64
	ParseErrors           atomic.Int64
	Errors                atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	RunID                 string        `json:"run_id"`
	RootsProcessed        int64         `json:"roots_processed"`
	AreasProcessed        int64         `json:"areas_processed"`
	AreasUpserted         int64         `json:"areas_upserted"`
	CragsFound            int64         `json:"crags_found"`
	SkippedAlreadyScraped int64         `json:"skipped_already_scraped"`
	Failed                int64         `json:"failed"`
	ParseErrors           int64         `json:"parse_errors"`
	Errors                int64         `json:"errors"`
	Elapsed               time.Duration `json:"elapsed"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RootsProcessed:        s.RootsProcessed.Load(),
		AreasProcessed:        s.AreasProcessed.Load(),
		AreasUpserted:         s.AreasUpserted.Load(),
		CragsFound:            s.CragsFound.Load(),
		SkippedAlreadyScraped: s.SkippedAlreadyScraped.Load(),
		Failed:                s.Failed.Load(),
		ParseErrors:           s.ParseErrors.Load(),
		Errors:                s.Errors.Load(),
	}
}

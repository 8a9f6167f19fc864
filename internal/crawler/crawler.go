package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/area"
	"github.com/JakeFAU/cragwatch/internal/metrics"
)

// Config tunes a Crawler.
type Config struct {
	MaxDepth               int
	MaxConsecutiveFailures int
	RevisitScraped         bool
	ArchiveRaw             bool
	ArchivePrefix          string
	ArchiveExt             string
	ArchiveContentType     string
}

// Run is the state shared by all workers of one crawl: the visited set, the
// persisted skip set, the area budget and the counters.
type Run struct {
	ID      string
	Stats   *Stats
	visited VisitTracker
	skip    skipSet
	budget  int64
	started time.Time
}

// NewRun prepares a run. maxAreas <= 0 means unlimited; scraped lists the
// URLs already fetched successfully by earlier runs.
func NewRun(id string, maxAreas int, scraped []string, started time.Time) *Run {
	return &Run{
		ID:      id,
		Stats:   &Stats{},
		visited: NewVisitTracker(),
		skip:    newSkipSet(scraped),
		budget:  int64(maxAreas),
		started: started,
	}
}

// Visited exposes the run-wide visited set.
func (r *Run) Visited() VisitTracker {
	return r.visited
}

// Snapshot returns the counters together with the run id and elapsed time.
func (r *Run) Snapshot(now time.Time) StatsSnapshot {
	snap := r.Stats.Snapshot()
	snap.RunID = r.ID
	snap.Elapsed = now.Sub(r.started)
	return snap
}

// reserve claims one unit of the area budget.
func (r *Run) reserve() bool {
	if r.budget <= 0 {
		r.Stats.AreasProcessed.Add(1)
		return true
	}
	for {
		cur := r.Stats.AreasProcessed.Load()
		if cur >= r.budget {
			return false
		}
		if r.Stats.AreasProcessed.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Crawler drives one Fetcher and Extractor pair. It is not safe for
// concurrent use; give every worker its own Crawler.
type Crawler struct {
	cfg       Config
	canon     Canonicalizer
	fetcher   Fetcher
	extractor Extractor
	store     AreaStore
	archive   BlobStore
	clock     clockwork.Clock
	logger    *zap.Logger
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithArchive stores every fetched payload in blobs.
func WithArchive(blobs BlobStore) Option {
	return func(c *Crawler) { c.archive = blobs }
}

// WithClock overrides the time source used for scraped_at.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Crawler) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Crawler) { c.logger = logger }
}

// New wires a Crawler.
func New(
	cfg Config,
	canon Canonicalizer,
	fetcher Fetcher,
	extractor Extractor,
	store AreaStore,
	opts ...Option,
) (*Crawler, error) {
	if canon == nil || fetcher == nil || extractor == nil || store == nil {
		return nil, errors.New("crawler: canonicalizer, fetcher, extractor and store are required")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "raw"
	}
	if cfg.ArchiveExt == "" {
		cfg.ArchiveExt = "html"
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "text/html; charset=utf-8"
	}
	c := &Crawler{
		cfg:       cfg,
		canon:     canon,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Crawl traverses root breadth-first until its frontier drains, the run's
// area budget is spent or ctx ends. It returns ErrUpstreamUnavailable when
// too many consecutive nodes fail transiently; everything persisted before
// that point stays persisted.
func (c *Crawler) Crawl(ctx context.Context, run *Run, root Root) error {
	rootURL, err := c.canon.Canonicalize(root.URL)
	if err != nil {
		return fmt.Errorf("canonicalize root %q: %w", root.URL, err)
	}
	logger := c.logger.With(zap.String("run_id", run.ID), zap.String("root", rootURL))

	frontier := NewFrontier(run.visited, c.cfg.MaxDepth)
	if !frontier.EnqueueIfNew(rootURL, root.ParentID, nil, 0) {
		logger.Debug("root already visited in this run")
		return nil
	}
	run.Stats.RootsProcessed.Add(1)
	logger.Info("crawling root", zap.String("name", root.Name))

	consecutive := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl %s: %w", rootURL, err)
		}
		item, ok := frontier.Next()
		if !ok {
			break
		}
		if !c.cfg.RevisitScraped && run.skip.contains(item.URL) {
			run.Stats.SkippedAlreadyScraped.Add(1)
			metrics.ObserveArea("skipped")
			c.enqueueStoredChildren(ctx, run, frontier, item)
			continue
		}
		if !run.reserve() {
			logger.Info("area budget reached", zap.Int64("max_areas", run.budget))
			return nil
		}

		err := c.visit(ctx, run, frontier, item)
		switch {
		case err == nil:
			consecutive = 0
		case ctx.Err() != nil:
			return fmt.Errorf("crawl %s: %w", rootURL, ctx.Err())
		case IsTransientFetch(err):
			consecutive++
			if c.cfg.MaxConsecutiveFailures > 0 && consecutive >= c.cfg.MaxConsecutiveFailures {
				return fmt.Errorf("%w: %d consecutive fetch failures under %s: %v",
					ErrUpstreamUnavailable, consecutive, rootURL, err)
			}
		default:
			consecutive = 0
		}
	}
	logger.Info("root finished", zap.Int64("areas_processed", run.Stats.AreasProcessed.Load()))
	return nil
}

func (c *Crawler) visit(ctx context.Context, run *Run, frontier *Frontier, item Item) error {
	id := area.IDFor(item.URL)
	logger := c.logger.With(zap.String("url", item.URL), zap.Int("depth", item.Depth))

	raw, err := c.fetcher.Fetch(ctx, item.URL)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("fetch %s: %w", item.URL, ctx.Err())
		}
		run.Stats.Failed.Add(1)
		metrics.ObserveArea("failed")
		logger.Warn("fetch failed", zap.Error(err))
		if markErr := c.store.MarkFailed(ctx, item.URL); markErr != nil {
			run.Stats.Errors.Add(1)
			logger.Error("mark failed", zap.Error(markErr))
		}
		return err
	}
	c.archiveRaw(ctx, id, raw)

	page, parsed := c.extract(item.URL, raw, run.Stats, logger)
	if page.Name == "" {
		page.Name = nameFromURL(item.URL)
	}

	parentID := item.ParentID
	if parentID != nil && *parentID == id {
		parentID = item.Predecessor
	}

	stored, err := c.store.UpsertArea(ctx, area.Upsert{
		URL:       item.URL,
		Name:      page.Name,
		ParentID:  parentID,
		Latitude:  page.Latitude,
		Longitude: page.Longitude,
		ScrapedAt: c.clock.Now().UTC(),
	})
	if err != nil {
		run.Stats.Errors.Add(1)
		logger.Error("upsert area", zap.Error(err))
		return fmt.Errorf("upsert %s: %w", item.URL, err)
	}
	run.Stats.AreasUpserted.Add(1)
	metrics.ObserveArea("upserted")
	if stored.IsCrag() {
		run.Stats.CragsFound.Add(1)
	}
	logger.Debug("area stored",
		zap.String("id", stored.ID),
		zap.String("name", stored.Name),
		zap.String("path", strings.Join(page.Breadcrumbs, " > ")),
		zap.Bool("crag", stored.IsCrag()),
		zap.Bool("parsed", parsed),
		zap.Int("children", len(page.Children)),
	)

	for _, link := range page.Children {
		child, err := c.canon.Canonicalize(link.URL)
		if err != nil {
			logger.Debug("skip child link", zap.String("link", link.URL), zap.Error(err))
			continue
		}
		if child == item.URL {
			continue
		}
		if !frontier.EnqueueIfNew(child, &id, parentID, item.Depth+1) {
			continue
		}
		if err := c.store.UpsertPlaceholder(ctx, child, placeholderName(link, child), &id); err != nil {
			run.Stats.Errors.Add(1)
			logger.Warn("store placeholder", zap.String("child", child), zap.Error(err))
		}
	}
	return nil
}

// extract runs the extractor and downgrades parse failures to a partial page
// without coordinates.
func (c *Crawler) extract(url string, raw []byte, stats *Stats, logger *zap.Logger) (Page, bool) {
	page, err := c.extractor.Extract(url, raw)
	if err == nil {
		return page, true
	}
	stats.ParseErrors.Add(1)
	metrics.ObserveArea("parse_error")
	logger.Warn("extract failed, storing partial page", zap.Error(err))
	page.Latitude, page.Longitude = nil, nil
	return page, false
}

// enqueueStoredChildren continues traversal below a node that is not
// re-fetched, using the children persisted by earlier runs.
func (c *Crawler) enqueueStoredChildren(ctx context.Context, run *Run, frontier *Frontier, item Item) {
	id := area.IDFor(item.URL)
	children, err := c.store.ListChildren(ctx, &id)
	if err != nil {
		run.Stats.Errors.Add(1)
		c.logger.Warn("list stored children", zap.String("url", item.URL), zap.Error(err))
		return
	}
	for _, child := range children {
		frontier.EnqueueIfNew(child.URL, &id, item.ParentID, item.Depth+1)
	}
}

// RetryFailed re-fetches only the areas marked failed and refreshes them in
// place, keeping their existing parent. Children found on a retried page are
// stored as placeholders for the next crawl but not fetched.
func (c *Crawler) RetryFailed(ctx context.Context, run *Run) error {
	failed, err := c.store.ListFailed(ctx)
	if err != nil {
		return fmt.Errorf("list failed areas: %w", err)
	}
	c.logger.Info("retrying failed areas", zap.Int("count", len(failed)))

	consecutive := 0
	for _, a := range failed {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}
		if !run.visited.MarkIfNew(a.URL) {
			continue
		}
		if !run.reserve() {
			return nil
		}
		logger := c.logger.With(zap.String("url", a.URL))
		raw, err := c.fetcher.Fetch(ctx, a.URL)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("retry failed: %w", ctx.Err())
			}
			run.Stats.Failed.Add(1)
			logger.Warn("retry fetch failed", zap.Error(err))
			if IsTransientFetch(err) {
				consecutive++
				if c.cfg.MaxConsecutiveFailures > 0 && consecutive >= c.cfg.MaxConsecutiveFailures {
					return fmt.Errorf("%w: %d consecutive retry failures: %v", ErrUpstreamUnavailable, consecutive, err)
				}
			}
			continue
		}
		consecutive = 0
		c.archiveRaw(ctx, a.ID, raw)

		page, _ := c.extract(a.URL, raw, run.Stats, logger)
		if page.Name == "" {
			page.Name = a.Name
		}
		stored, err := c.store.UpsertArea(ctx, area.Upsert{
			URL:       a.URL,
			Name:      page.Name,
			ParentID:  a.ParentID,
			Latitude:  page.Latitude,
			Longitude: page.Longitude,
			ScrapedAt: c.clock.Now().UTC(),
		})
		if err != nil {
			run.Stats.Errors.Add(1)
			logger.Error("retry upsert", zap.Error(err))
			continue
		}
		run.Stats.AreasUpserted.Add(1)
		if stored.IsCrag() {
			run.Stats.CragsFound.Add(1)
		}
		c.storeChildPlaceholders(ctx, run, a.ID, a.URL, page.Children, logger)
	}
	return nil
}

func (c *Crawler) storeChildPlaceholders(ctx context.Context, run *Run, parentID, parentURL string, links []Link, logger *zap.Logger) {
	for _, link := range links {
		child, err := c.canon.Canonicalize(link.URL)
		if err != nil || child == parentURL {
			continue
		}
		if err := c.store.UpsertPlaceholder(ctx, child, placeholderName(link, child), &parentID); err != nil {
			run.Stats.Errors.Add(1)
			logger.Warn("store placeholder", zap.String("child", child), zap.Error(err))
		}
	}
}

func (c *Crawler) archiveRaw(ctx context.Context, id string, raw []byte) {
	if !c.cfg.ArchiveRaw || c.archive == nil {
		return
	}
	key := path.Join(c.cfg.ArchivePrefix, id+"."+c.cfg.ArchiveExt)
	if _, err := c.archive.PutObject(ctx, key, c.cfg.ArchiveContentType, bytes.NewReader(raw)); err != nil {
		c.logger.Warn("archive raw payload", zap.String("key", key), zap.Error(err))
	}
}

func placeholderName(link Link, canonical string) string {
	if text := strings.Join(strings.Fields(link.Text), " "); text != "" {
		return text
	}
	return nameFromURL(canonical)
}

// nameFromURL turns the last path segment ("red-rock-canyon") into a
// readable name ("Red Rock Canyon").
func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	slug := path.Base(u.Path)
	if slug == "." || slug == "/" || slug == "" {
		return u.Host
	}
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

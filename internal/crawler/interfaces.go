package crawler

import (
	"context"
	"io"

	"github.com/JakeFAU/cragwatch/internal/area"
)

// Canonicalizer turns raw links into comparable keys.
type Canonicalizer interface {
	Canonicalize(raw string) (string, error)
}

// Fetcher retrieves the raw payload behind a canonical URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Extractor parses a raw payload into a Page.
type Extractor interface {
	Extract(url string, raw []byte) (Page, error)
}

// AreaStore persists the discovered hierarchy.
type AreaStore interface {
	UpsertArea(ctx context.Context, u area.Upsert) (area.Area, error)
	UpsertPlaceholder(ctx context.Context, url, name string, parentID *string) error
	MarkFailed(ctx context.Context, url string) error
	ListFailed(ctx context.Context) ([]area.Area, error)
	ScrapedURLs(ctx context.Context) ([]string, error)
	ListChildren(ctx context.Context, parentID *string) ([]area.Area, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Queue hands traversal roots to workers.
type Queue interface {
	Enqueue(ctx context.Context, root Root) error
	Dequeue(ctx context.Context) (Root, error)
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

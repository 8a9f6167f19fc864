package openbeta

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
)

// BaseURL prefixes canonical OpenBeta area URLs.
const BaseURL = "https://openbeta.io/area/"

// AreaURL returns the canonical URL of an area uuid.
func AreaURL(id string) string {
	return BaseURL + strings.ToLower(id)
}

// UUIDFromURL accepts a canonical area URL, any URL whose last path segment
// is an area uuid, or a bare uuid.
func UUIDFromURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	candidate := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		candidate = path.Base(strings.TrimRight(u.Path, "/"))
	}
	id, err := uuid.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("openbeta area reference %q: %w", raw, err)
	}
	return id.String(), nil
}

// Canonicalizer maps area references onto https://openbeta.io/area/<uuid>.
type Canonicalizer struct{}

// Canonicalize implements crawler.Canonicalizer.
func (Canonicalizer) Canonicalize(raw string) (string, error) {
	id, err := UUIDFromURL(raw)
	if err != nil {
		return "", err
	}
	return AreaURL(id), nil
}

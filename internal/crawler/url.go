package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultBaseURL is the catalog every Mountain Project link is rebased onto.
const DefaultBaseURL = "https://www.mountainproject.com"

// SiteCanonicalizer rebases links onto one scheme and host and strips the
// parts of a URL that do not identify a page.
type SiteCanonicalizer struct {
	scheme string
	host   string
	noise  map[string]struct{}
}

// NewSiteCanonicalizer builds a canonicalizer for baseURL. Path segments
// listed in noise are removed wherever they appear.
func NewSiteCanonicalizer(baseURL string, noise ...string) (*SiteCanonicalizer, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	set := make(map[string]struct{}, len(noise))
	for _, n := range noise {
		n = strings.Trim(n, "/")
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return &SiteCanonicalizer{
		scheme: strings.ToLower(u.Scheme),
		host:   strings.ToLower(u.Host),
		noise:  set,
	}, nil
}

// MountainProjectCanonicalizer returns the canonicalizer used for the
// default catalog, which drops the "classics" listing prefix.
func MountainProjectCanonicalizer() *SiteCanonicalizer {
	c, err := NewSiteCanonicalizer(DefaultBaseURL, "classics")
	if err != nil {
		panic(err)
	}
	return c
}

// Canonicalize forces the fixed scheme and host, drops query, fragment, noise
// segments, empty segments and the trailing slash.
func (c *SiteCanonicalizer) Canonicalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	segments := strings.Split(u.Path, "/")
	kept := segments[:0]
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if _, drop := c.noise[seg]; drop {
			continue
		}
		kept = append(kept, seg)
	}
	out := url.URL{Scheme: c.scheme, Host: c.host}
	if len(kept) > 0 {
		out.Path = "/" + strings.Join(kept, "/")
	}
	return out.String(), nil
}

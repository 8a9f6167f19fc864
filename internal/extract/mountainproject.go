// Package extract turns fetched Mountain Project pages into crawler pages.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/cragwatch/internal/crawler"
)

var (
	areaPathPattern = regexp.MustCompile(`^/area/\d+(/|$)`)
	gpsPattern      = regexp.MustCompile(`(-?\d+\.?\d*),\s*(-?\d+\.?\d*)`)
	ordinalPrefix   = regexp.MustCompile(`^\d+\.\s+`)
)

const breadcrumbSelector = "div.mb-half.small.text-warm"

// noiseSegments are listing prefixes in front of area paths, such as
// /area/classics/<id>/<slug>.
var noiseSegments = map[string]struct{}{
	"classics": {},
}

var placeholderCrumbs = map[string]struct{}{
	"all locations": {},
	"route guide":   {},
	"home":          {},
}

// MountainProject parses area pages of www.mountainproject.com.
type MountainProject struct {
	base *url.URL
}

var _ crawler.Extractor = (*MountainProject)(nil)

// NewMountainProject returns an extractor resolving relative links against
// baseURL (crawler.DefaultBaseURL when empty).
func NewMountainProject(baseURL string) (*MountainProject, error) {
	if baseURL == "" {
		baseURL = crawler.DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &MountainProject{base: base}, nil
}

// Extract reads name, coordinates, breadcrumbs and child area links. A page
// without a heading is returned with ErrPermanentParse alongside whatever
// else was recovered.
func (m *MountainProject) Extract(pageURL string, raw []byte) (crawler.Page, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return crawler.Page{}, fmt.Errorf("%w: empty document", crawler.ErrPermanentParse)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return crawler.Page{}, fmt.Errorf("%w: %v", crawler.ErrPermanentParse, err)
	}

	page := crawler.Page{
		Name:        headingName(doc),
		Breadcrumbs: breadcrumbs(doc),
		Children:    m.childLinks(doc, pageURL),
	}
	page.Latitude, page.Longitude = coordinates(doc)

	if page.Name == "" {
		return page, fmt.Errorf("%w: no heading on %s", crawler.ErrPermanentParse, pageURL)
	}
	return page, nil
}

// Roots lists the top-level region links on the route guide page.
func (m *MountainProject) Roots(raw []byte) ([]crawler.Root, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse route guide: %w", err)
	}
	var roots []crawler.Root
	seen := make(map[string]struct{})
	doc.Find(`a[href*="/area/"]`).Each(func(_ int, sel *goquery.Selection) {
		name := collapse(sel.Text())
		href, ok := m.resolve(sel.AttrOr("href", ""))
		if name == "" || !ok {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		roots = append(roots, crawler.Root{URL: href, Name: name})
	})
	return roots, nil
}

func headingName(doc *goquery.Document) string {
	h1 := doc.Find("h1").First()
	if h1.Length() == 0 {
		return ""
	}
	for node := h1.Nodes[0].FirstChild; node != nil; node = node.NextSibling {
		if node.Type != html.TextNode {
			continue
		}
		if text := collapse(node.Data); text != "" {
			return CleanName(text)
		}
	}
	for _, line := range strings.Split(h1.Text(), "\n") {
		if text := collapse(line); text != "" {
			return CleanName(text)
		}
	}
	return ""
}

// CleanName strips list ordinals ("12. "), asterisks and quotes from an area
// name.
func CleanName(name string) string {
	name = collapse(name)
	name = ordinalPrefix.ReplaceAllString(name, "")
	name = strings.NewReplacer("*", "", `"`, "", "'", "", "“", "", "”", "").Replace(name)
	return collapse(name)
}

func coordinates(doc *goquery.Document) (*float64, *float64) {
	var lat, lon *float64
	doc.Find("td").EachWithBreak(func(_ int, td *goquery.Selection) bool {
		if !strings.Contains(td.Text(), "GPS") {
			return true
		}
		value := td.NextFiltered("td")
		if value.Length() == 0 {
			return true
		}
		match := gpsPattern.FindStringSubmatch(value.Text())
		if match == nil {
			return false
		}
		la, errLat := strconv.ParseFloat(match[1], 64)
		lo, errLon := strconv.ParseFloat(match[2], 64)
		if errLat != nil || errLon != nil || la < -90 || la > 90 || lo < -180 || lo > 180 {
			return false
		}
		lat, lon = &la, &lo
		return false
	})
	return lat, lon
}

func breadcrumbs(doc *goquery.Document) []string {
	var crumbs []string
	doc.Find(breadcrumbSelector).First().Find("a").Each(func(_ int, a *goquery.Selection) {
		text := collapse(a.Text())
		if text == "" {
			return
		}
		if _, skip := placeholderCrumbs[strings.ToLower(text)]; skip {
			return
		}
		crumbs = append(crumbs, text)
	})
	return crumbs
}

// childLinks prefers the sub-area navigation; without it every area link
// outside the breadcrumb trail counts.
func (m *MountainProject) childLinks(doc *goquery.Document, pageURL string) []crawler.Link {
	candidates := doc.Find(".lef-nav-row a[href], .mp-sidebar a[href]")
	if candidates.Length() == 0 {
		candidates = doc.Find("a[href]").FilterFunction(func(_ int, a *goquery.Selection) bool {
			return a.Closest(breadcrumbSelector).Length() == 0
		})
	}
	self, _ := m.resolve(pageURL)

	var links []crawler.Link
	seen := make(map[string]struct{})
	candidates.Each(func(_ int, a *goquery.Selection) {
		href, ok := m.resolve(a.AttrOr("href", ""))
		if !ok || href == self {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, crawler.Link{URL: href, Text: CleanName(a.Text())})
	})
	return links
}

// resolve absolutizes an area href and drops query, fragment and noise
// segments. Links to other hosts or non-area paths are rejected.
func (m *MountainProject) resolve(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := m.base.ResolveReference(ref)
	if !strings.EqualFold(strings.TrimPrefix(abs.Hostname(), "www."), strings.TrimPrefix(m.base.Hostname(), "www.")) {
		return "", false
	}
	abs.Path = stripNoise(abs.Path)
	if !areaPathPattern.MatchString(abs.Path) {
		return "", false
	}
	abs.RawQuery, abs.Fragment = "", ""
	abs.RawPath = ""
	return abs.String(), true
}

func stripNoise(p string) string {
	var kept []string
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if _, drop := noiseSegments[strings.ToLower(seg)]; drop {
			continue
		}
		kept = append(kept, seg)
	}
	return "/" + strings.Join(kept, "/")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

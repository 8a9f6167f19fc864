package openbeta

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/extract"
)

type childRef struct {
	Name string `json:"area_name"`
	UUID string `json:"uuid"`
}

type areaPayload struct {
	Data struct {
		Area *struct {
			Name     string `json:"area_name"`
			UUID     string `json:"uuid"`
			Metadata struct {
				Lat  *float64 `json:"lat"`
				Lng  *float64 `json:"lng"`
				Leaf bool     `json:"leaf"`
			} `json:"metadata"`
			PathTokens []string   `json:"pathTokens"`
			Children   []childRef `json:"children"`
		} `json:"area"`
	} `json:"data"`
}

// Extractor maps area query responses onto crawler pages. Only leaf areas
// (flagged leaf or without children) carry coordinates, since OpenBeta also
// reports centroids for regions.
type Extractor struct{}

var _ crawler.Extractor = Extractor{}

// Extract implements crawler.Extractor.
func (Extractor) Extract(_ string, raw []byte) (crawler.Page, error) {
	var payload areaPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return crawler.Page{}, fmt.Errorf("%w: %v", crawler.ErrPermanentParse, err)
	}
	a := payload.Data.Area
	if a == nil {
		return crawler.Page{}, fmt.Errorf("%w: response has no area", crawler.ErrPermanentParse)
	}

	page := crawler.Page{Name: extract.CleanName(a.Name)}
	for _, tok := range trimPath(a.PathTokens) {
		if name := extract.CleanName(tok); name != "" {
			page.Breadcrumbs = append(page.Breadcrumbs, name)
		}
	}
	for _, child := range a.Children {
		if child.UUID == "" {
			continue
		}
		page.Children = append(page.Children, crawler.Link{URL: AreaURL(child.UUID), Text: extract.CleanName(child.Name)})
	}

	leaf := a.Metadata.Leaf || len(a.Children) == 0
	lat, lng := a.Metadata.Lat, a.Metadata.Lng
	if leaf && lat != nil && lng != nil && validCoordinates(*lat, *lng) {
		page.Latitude, page.Longitude = lat, lng
	}

	if page.Name == "" {
		return page, fmt.Errorf("%w: area %s has no name", crawler.ErrPermanentParse, a.UUID)
	}
	return page, nil
}

// trimPath drops the leading country token and the area's own name.
func trimPath(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if strings.EqualFold(strings.TrimSpace(t), "USA") {
			continue
		}
		out = append(out, t)
	}
	if len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out
}

func validCoordinates(lat, lng float64) bool {
	if lat == 0 && lng == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

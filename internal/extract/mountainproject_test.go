package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cragwatch/internal/crawler"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return raw
}

func newExtractor(t *testing.T) *MountainProject {
	t.Helper()
	m, err := NewMountainProject("")
	require.NoError(t, err)
	return m
}

func TestExtractIntermediateArea(t *testing.T) {
	t.Parallel()

	page, err := newExtractor(t).Extract(
		"https://www.mountainproject.com/area/105795179/bishop-area",
		readFixture(t, "bishop_area.html"),
	)
	require.NoError(t, err)
	require.Equal(t, "Bishop Area", page.Name)
	require.False(t, page.HasCoordinates())
	require.Equal(t, []string{"California", "Eastern Sierra"}, page.Breadcrumbs)
	require.Equal(t, []crawler.Link{
		{URL: "https://www.mountainproject.com/area/105801222/buttermilks-main", Text: "Buttermilks Main"},
		{URL: "https://www.mountainproject.com/area/105798817/happy-boulders", Text: "Happy Boulders"},
	}, page.Children)
}

func TestExtractCrag(t *testing.T) {
	t.Parallel()

	page, err := newExtractor(t).Extract(
		"https://www.mountainproject.com/area/105801222/buttermilks-main",
		readFixture(t, "buttermilks.html"),
	)
	require.NoError(t, err)
	require.Equal(t, "Buttermilks Main", page.Name)
	require.True(t, page.HasCoordinates())
	require.InDelta(t, 37.3269, *page.Latitude, 1e-9)
	require.InDelta(t, -118.5799, *page.Longitude, 1e-9)
	require.Equal(t, []string{"California", "Bishop Area"}, page.Breadcrumbs)
	require.Equal(t, []string{"https://www.mountainproject.com/area/105795179/bishop-area"}, page.ChildURLs(),
		"without sub-area navigation, links outside the breadcrumb trail are children")
}

func TestExtractCoordinatesOutOfRange(t *testing.T) {
	t.Parallel()

	raw := []byte(`<html><body><h1>Nowhere</h1><table>
		<tr><td>GPS:</td><td>137.1, -18.5</td></tr></table></body></html>`)
	page, err := newExtractor(t).Extract("https://www.mountainproject.com/area/1/nowhere", raw)
	require.NoError(t, err)
	require.Nil(t, page.Latitude)
	require.Nil(t, page.Longitude)

	raw = []byte(`<html><body><h1>Garbled</h1><table>
		<tr><td>GPS:</td><td>unknown</td></tr></table></body></html>`)
	page, err = newExtractor(t).Extract("https://www.mountainproject.com/area/2/garbled", raw)
	require.NoError(t, err)
	require.False(t, page.HasCoordinates())
}

func TestExtractWithoutHeadingIsPermanentParseError(t *testing.T) {
	t.Parallel()

	raw := []byte(`<html><body>
		<table><tr><td>GPS:</td><td>37.1, -118.5</td></tr></table>
		<a href="/area/3/child">Child</a></body></html>`)
	page, err := newExtractor(t).Extract("https://www.mountainproject.com/area/2/x", raw)
	require.ErrorIs(t, err, crawler.ErrPermanentParse)
	require.Empty(t, page.Name)
	require.True(t, page.HasCoordinates(), "partial page keeps what was recovered")
	require.Len(t, page.Children, 1)

	_, err = newExtractor(t).Extract("https://www.mountainproject.com/area/2/x", []byte("  \n"))
	require.ErrorIs(t, err, crawler.ErrPermanentParse)
}

func TestExtractNameFallsBackToFirstLine(t *testing.T) {
	t.Parallel()

	raw := []byte(`<html><body><h1><span>Owens River Gorge</span>
		<small>Rock Climbing</small></h1></body></html>`)
	page, err := newExtractor(t).Extract("https://www.mountainproject.com/area/4/org", raw)
	require.NoError(t, err)
	require.Equal(t, "Owens River Gorge", page.Name)
}

func TestCleanName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Joshua Tree", CleanName("12. Joshua Tree"))
	require.Equal(t, "The Dihedrals", CleanName(`**"The   Dihedrals"`))
	require.Equal(t, "Area 51", CleanName("Area 51"))
	require.Equal(t, "1.5 Wall", CleanName("1.5 Wall"))
}

func TestRoots(t *testing.T) {
	t.Parallel()

	roots, err := newExtractor(t).Roots(readFixture(t, "route_guide.html"))
	require.NoError(t, err)
	require.Equal(t, []crawler.Root{
		{URL: "https://www.mountainproject.com/area/105905173/alabama", Name: "Alabama"},
		{URL: "https://www.mountainproject.com/area/105909311/alaska", Name: "Alaska"},
		{URL: "https://www.mountainproject.com/area/105708959/california", Name: "California"},
	}, roots)
}

func TestExtractClassicsLinksResolveToAreaPaths(t *testing.T) {
	t.Parallel()

	raw := []byte(`<html><body>
<h1>California</h1>
<div class="lef-nav-row"><a href="/area/classics/105795179/bishop-area">Bishop Area</a></div>
<div class="lef-nav-row"><a href="https://www.mountainproject.com/area/classics/105798817/happy-boulders/">Happy Boulders</a></div>
<div class="lef-nav-row"><a href="/area/classics">All classics</a></div>
</body></html>`)

	page, err := newExtractor(t).Extract("https://www.mountainproject.com/area/105708959/california", raw)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://www.mountainproject.com/area/105795179/bishop-area",
		"https://www.mountainproject.com/area/105798817/happy-boulders",
	}, page.ChildURLs())
}

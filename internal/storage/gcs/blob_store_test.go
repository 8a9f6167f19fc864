package gcs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type fakeGCS struct {
	mu     sync.Mutex
	paths  []string
	bodies []string
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"bucket":"archive","name":"object","size":"1"}`)
}

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithoutAuthentication(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "archive"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.NotFoundHandler())
	s, err := New(client, Config{Bucket: "archive", Prefix: "/crawls/"})
	require.NoError(t, err)
	assert.Equal(t, "crawls/raw/abc.html", s.ObjectName("raw/abc.html"))

	s, err = New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	assert.Equal(t, "raw/abc.html", s.ObjectName("/raw/abc.html"))
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	fake := &fakeGCS{}
	s, err := New(newTestClient(t, fake), Config{Bucket: "archive", Prefix: "crawls"})
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "raw/abc.html", "text/html", bytes.NewReader([]byte("<h1>Bishop</h1>")))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive/crawls/raw/abc.html", uri)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.paths, 1)
	assert.True(t, strings.HasPrefix(fake.paths[0], "/upload/storage/v1/b/archive/o"), fake.paths[0])
	assert.Contains(t, fake.bodies[0], "crawls/raw/abc.html")
	assert.Contains(t, fake.bodies[0], "<h1>Bishop</h1>")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	s, err := New(newTestClient(t, http.NotFoundHandler()), Config{Bucket: "archive"})
	require.NoError(t, err)
	_, err = s.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}

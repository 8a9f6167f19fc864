package dispatcher

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/queue/memory"
	"github.com/JakeFAU/cragwatch/internal/worker"
)

type recordingCrawler struct {
	mu    sync.Mutex
	roots []string
	err   error
}

func (r *recordingCrawler) Crawl(ctx context.Context, _ *crawler.Run, root crawler.Root) error {
	r.mu.Lock()
	r.roots = append(r.roots, root.URL)
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (r *recordingCrawler) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.roots...)
	sort.Strings(out)
	return out
}

func TestDispatcherFansOutRoots(t *testing.T) {
	t.Parallel()

	rc := &recordingCrawler{}
	q := memory.NewQueue(1)
	workers := []*worker.Worker{
		worker.New(1, q, rc, nil, zap.NewNop()),
		worker.New(2, q, rc, nil, zap.NewNop()),
		worker.New(3, q, rc, nil, zap.NewNop()),
	}
	roots := []crawler.Root{{URL: "a"}, {URL: "b"}, {URL: "c"}, {URL: "d"}, {URL: "e"}}

	d := New(q, workers, zap.NewNop())
	require.NoError(t, d.Run(context.Background(), crawler.NewRun("run", 0, nil, time.Now()), roots))
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, rc.seen())
}

func TestDispatcherReturnsWorkerError(t *testing.T) {
	t.Parallel()

	rc := &recordingCrawler{err: crawler.ErrUpstreamUnavailable}
	q := memory.NewQueue(0)
	d := New(q, []*worker.Worker{worker.New(1, q, rc, nil, nil)}, nil)

	roots := []crawler.Root{{URL: "a"}, {URL: "b"}, {URL: "c"}}
	err := d.Run(context.Background(), crawler.NewRun("run", 0, nil, time.Now()), roots)
	require.ErrorIs(t, err, crawler.ErrUpstreamUnavailable)
	require.Equal(t, []string{"a"}, rc.seen())
}

func TestDispatcherRequiresWorkers(t *testing.T) {
	t.Parallel()

	d := New(memory.NewQueue(1), nil, nil)
	require.Error(t, d.Run(context.Background(), crawler.NewRun("run", 0, nil, time.Now()), nil))
}

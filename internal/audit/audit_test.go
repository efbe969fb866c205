package audit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/clock/system"
	"github.com/JakeFAU/blogroll-crawler/internal/storage/memory"
)

type fakeProbe struct {
	mu    sync.Mutex
	dead  map[string]bool
	calls map[string]int
}

func newFakeProbe(dead ...string) *fakeProbe {
	p := &fakeProbe{dead: map[string]bool{}, calls: map[string]int{}}
	for _, u := range dead {
		p.dead[u] = true
	}
	return p
}

func (p *fakeProbe) Check(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[url]++
	if p.dead[url] {
		return aggregator.ErrLivenessFailure
	}
	return nil
}

func seed(t *testing.T, store *memory.Store, n int, crawlError int64) []aggregator.Article {
	t.Helper()
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]aggregator.Article, 0, n)
	for i := range n {
		a := aggregator.Article{
			ID:          fmt.Sprintf("a%02d", i),
			URL:         fmt.Sprintf("https://blog.example/%02d", i),
			PublishDate: base.Add(time.Duration(i) * time.Hour),
			CrawlError:  crawlError,
		}
		require.NoError(t, store.CreateArticle(context.Background(), a))
		out = append(out, a)
	}
	return out
}

func TestOffsetRotatesByDay(t *testing.T) {
	t.Parallel()
	a := New(nil, nil, nil, Config{BatchSize: 1000}, nil)
	require.Equal(t, 0, a.Offset(1))
	require.Equal(t, 14000, a.Offset(15))
	require.Equal(t, 0, a.Offset(0))
}

func TestRunUsesDailyWindow(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	seed(t, store, 6, 0)
	probe := newFakeProbe()
	clock := system.NewFixed(time.Date(2024, 6, 3, 19, 0, 0, 0, time.UTC))

	auditor := New(store, probe, clock, Config{BatchSize: 2}, nil)
	report, err := auditor.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, report.Offset)
	require.Equal(t, 2, report.Checked)
	require.Equal(t, 1, probe.calls["https://blog.example/04"])
	require.Equal(t, 1, probe.calls["https://blog.example/05"])
	require.Zero(t, probe.calls["https://blog.example/00"])
}

func TestRunDeletesPastThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	articles := seed(t, store, 3, 0)
	require.NoError(t, store.CreateArticle(ctx, aggregator.Article{
		ID: "scarred", URL: "https://blog.example/scarred", PublishDate: articles[2].PublishDate.Add(time.Hour), CrawlError: 2,
	}))
	probe := newFakeProbe("https://blog.example/00", "https://blog.example/scarred")
	clock := system.NewFixed(time.Date(2024, 6, 1, 19, 0, 0, 0, time.UTC))
	auditor := New(store, probe, clock, Config{BatchSize: 10, DeleteThreshold: 3}, nil)

	// First pass: scarred goes 2 -> 3, still at the threshold.
	report, err := auditor.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, report.Checked)
	require.Equal(t, 2, report.Failed)
	require.Zero(t, report.Deleted)

	scarred, err := store.GetArticle(ctx, "scarred")
	require.NoError(t, err)
	require.EqualValues(t, 3, scarred.CrawlError)

	// Second pass: 3 -> 4 exceeds the threshold.
	report, err = auditor.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Deleted)
	_, err = store.GetArticle(ctx, "scarred")
	require.ErrorIs(t, err, aggregator.ErrNotFound)

	first, err := store.GetArticle(ctx, "a00")
	require.NoError(t, err)
	require.EqualValues(t, 2, first.CrawlError)
}

func TestRunNeverResetsOnSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	seed(t, store, 1, 2)
	auditor := New(store, newFakeProbe(), system.NewFixed(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)), Config{}, nil)

	_, err := auditor.Run(ctx)
	require.NoError(t, err)
	got, err := store.GetArticle(ctx, "a00")
	require.NoError(t, err)
	require.EqualValues(t, 2, got.CrawlError)
}

func TestRunRetriesProbe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	seed(t, store, 1, 0)
	probe := newFakeProbe("https://blog.example/00")
	policy := aggregator.RetryPolicy{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
	auditor := New(store, probe, system.NewFixed(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)), Config{Retry: policy}, nil)

	report, err := auditor.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 3, probe.calls["https://blog.example/00"])

	got, err := store.GetArticle(ctx, "a00")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.CrawlError)
}

func TestHTTPProbe(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/moved":
			http.Redirect(w, r, "/ok", http.StatusMovedPermanently)
		case "/nohead":
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			_, _ = w.Write([]byte("hello"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	probe := NewHTTPProbe(srv.Client(), "blogcrawler-test", time.Second, nil)
	ctx := context.Background()
	require.NoError(t, probe.Check(ctx, srv.URL+"/ok"))
	require.NoError(t, probe.Check(ctx, srv.URL+"/moved"))
	require.NoError(t, probe.Check(ctx, srv.URL+"/nohead"))
	require.ErrorIs(t, probe.Check(ctx, srv.URL+"/gone"), aggregator.ErrLivenessFailure)
	require.ErrorIs(t, probe.Check(ctx, "http://127.0.0.1:1/unreachable"), aggregator.ErrLivenessFailure)
}

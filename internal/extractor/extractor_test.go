package extractor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

var articleHTML = `<!DOCTYPE html>
<html><head><title>Notes on Go</title>
<meta property="og:image" content="/images/cover.png">
</head><body>
<nav><a href="/">Home</a></nav>
<article>
<h1>Notes on Go</h1>
` + strings.Repeat(`<p>Go makes concurrent programs approachable. Channels and goroutines compose into pipelines that are easy to reason about, and the standard tooling keeps projects consistent across teams.</p>
`, 8) + `</article>
<footer>footer</footer>
</body></html>`

const thinHTML = `<html><body><div id="app"></div></body></html>`

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	body  string
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, req aggregator.FetchRequest) (aggregator.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return aggregator.FetchResponse{}, f.err
	}
	return aggregator.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(f.body)}, nil
}

func noWait() aggregator.RetryPolicy {
	return aggregator.RetryPolicy{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func TestExtract_Readability(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{body: articleHTML}
	e, err := New(Config{}, static, nil, nil, nil)
	require.NoError(t, err)
	e.WithRetryPolicy(noWait())

	got := e.Extract(context.Background(), "https://blog.test/posts/go", "blog.test", "fallback")
	require.False(t, got.Degraded())
	require.Contains(t, *got.Content, "Channels and goroutines")
	require.Contains(t, got.Text, "Channels and goroutines")
	require.NotContains(t, got.Text, "<p>")
	require.Equal(t, "https://blog.test/images/cover.png", got.ImageURL)
	require.Equal(t, 1, static.calls)
}

func TestExtract_DegradesAfterRetries(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{err: errors.New("connection refused")}
	e, err := New(Config{}, static, nil, nil, nil)
	require.NoError(t, err)
	e.WithRetryPolicy(noWait())

	got := e.Extract(context.Background(), "https://blog.test/posts/go", "blog.test", "fallback")
	require.True(t, got.Degraded())
	require.Nil(t, got.Content)
	require.Empty(t, got.ImageURL)
	require.Equal(t, 3, static.calls)
}

func TestExtract_PromotesToHeadless(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{body: thinHTML}
	rendered := &fakeFetcher{body: articleHTML}
	e, err := New(Config{MinTextLength: 100}, static, rendered, nil, nil)
	require.NoError(t, err)
	e.WithRetryPolicy(noWait())

	got := e.Extract(context.Background(), "https://spa.test/post", "spa.test", "")
	require.False(t, got.Degraded())
	require.Equal(t, 1, rendered.calls)
	require.Contains(t, got.Text, "goroutines")
}

func TestExtract_WaitsOnLimiter(t *testing.T) {
	t.Parallel()

	limiter := &recordingLimiter{}
	e, err := New(Config{}, &fakeFetcher{body: articleHTML}, nil, limiter, nil)
	require.NoError(t, err)
	e.WithRetryPolicy(noWait())

	e.Extract(context.Background(), "https://blog.test/posts/go", "blog.test", "")
	require.Equal(t, []string{"https://blog.test/posts/go"}, limiter.urls)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Strategy: "magic"}, &fakeFetcher{}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Strategy: StrategyTrafilatura}, &fakeFetcher{}, nil, nil, nil)
	require.NoError(t, err)
}

func TestMetaImage(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		`<head><meta property="og:image" content=" /a.png "></head>`:                                     "/a.png",
		`<head><meta name="twitter:image" content="https://cdn.test/b.jpg"></head>`:                      "https://cdn.test/b.jpg",
		`<head><link rel="image_src" href="/c.gif"></head>`:                                              "/c.gif",
		`<head><meta property="og:image" content=""><meta name="twitter:image" content="/d.png"></head>`: "/d.png",
		`<head><title>none</title></head>`:                                                               "",
	}
	for page, want := range cases {
		require.Equal(t, want, MetaImage([]byte(page)), page)
	}
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	text, err := PlainText("<div><p>Hello <b>world</b></p><script>x()</script>\n<p>again</p></div>")
	require.NoError(t, err)
	require.Equal(t, "Hello world again", text)
}

type recordingLimiter struct {
	mu   sync.Mutex
	urls []string
}

func (l *recordingLimiter) Wait(_ context.Context, rawURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, rawURL)
	return nil
}

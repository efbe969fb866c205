package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

func TestNewAppliesConfig(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "blogcrawler-test"})
	require.Equal(t, "blogcrawler-test", f.base.UserAgent)
	require.True(t, f.base.IgnoreRobotsTxt)
	require.True(t, f.base.ParseHTTPErrorResponse)
	require.True(t, f.base.DetectCharset)
	require.Equal(t, 15*time.Second, f.cfg.Timeout)

	polite := New(Config{RespectRobots: true})
	require.False(t, polite.base.IgnoreRobotsTxt)
}

func TestCaptureCallbacks(t *testing.T) {
	t.Parallel()

	cb := &capture{headers: map[string]string{"Accept-Language": "en", "X-Trace": "yes"}, start: time.Now()}

	req := &colly.Request{Headers: &http.Header{}}
	cb.onRequest(req)
	require.Equal(t, "yes", req.Headers.Get("X-Trace"))
	require.Equal(t, "en", req.Headers.Get("Accept-Language"))
	require.Contains(t, req.Headers.Get("Accept"), "text/html")

	u, err := url.Parse("https://blog.example.com/post")
	require.NoError(t, err)
	cb.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, http.StatusOK, cb.resp.StatusCode)
	require.Equal(t, "body", string(cb.resp.Body))
	require.Equal(t, "text/html", cb.resp.ContentType)
	require.Equal(t, "https://blog.example.com/post", cb.resp.URL)

	cb.onError(nil, errors.New("boom"))
	require.EqualError(t, cb.err, "boom")
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><article>你好, hello</article></body></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "blogcrawler-test", Timeout: 2 * time.Second})
	resp, err := f.Fetch(context.Background(), aggregator.FetchRequest{URL: srv.URL + "/post"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "你好, hello")

	resp, err = f.Fetch(context.Background(), aggregator.FetchRequest{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetchUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), aggregator.FetchRequest{URL: addr + "/post"})
	require.Error(t, err)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{})
	_, err := f.Fetch(ctx, aggregator.FetchRequest{URL: "http://127.0.0.1:1/"})
	require.Error(t, err)
}

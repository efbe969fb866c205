package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(articlesIngestedTotal.WithLabelValues("blog.test", "ok"))
	ObserveArticle("https://Blog.test/post", "ok")
	if got := testutil.ToFloat64(articlesIngestedTotal.WithLabelValues("blog.test", "ok")); got != before+1 {
		t.Fatalf("articles ingested = %f, want %f", got, before+1)
	}

	beforeSkips := testutil.ToFloat64(jobOverlapSkipsTotal.WithLabelValues("ingest"))
	ObserveJobOverlapSkip("ingest")
	if got := testutil.ToFloat64(jobOverlapSkipsTotal.WithLabelValues("ingest")); got != beforeSkips+1 {
		t.Fatalf("overlap skips = %f, want %f", got, beforeSkips+1)
	}

	ObserveJobRun("audit", "succeeded", 2*time.Second)
	if n := testutil.CollectAndCount(jobDurationSeconds); n == 0 {
		t.Fatal("expected job duration observations")
	}

	SetRateLimitHosts(3)
	if got := testutil.ToFloat64(rateLimitHosts); got != 3 {
		t.Fatalf("rate limit hosts = %f, want 3", got)
	}

	beforePruned := testutil.ToFloat64(articlesPrunedTotal)
	ObserveArticlePruned()
	if got := testutil.ToFloat64(articlesPrunedTotal); got != beforePruned+1 {
		t.Fatalf("pruned = %f, want %f", got, beforePruned+1)
	}
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/probe-ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/probe-missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))
	for _, path := range []string{"/probe-ok", "/probe-missing"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if err := resp.Body.Close(); err != nil {
			t.Log(err)
		}
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")); val != before+1 {
		t.Errorf("expected one 418 request, got %f", val-before)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val <= 0 {
		t.Errorf("expected httpRequestDurationSeconds to be observed, got %d", val)
	}
}

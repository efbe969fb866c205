package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/ingest"
	"github.com/JakeFAU/blogroll-crawler/internal/scheduler"
)

type fakeIngester struct {
	report ingest.SourceReport
	err    error
	got    string
}

func (f *fakeIngester) IngestByURL(_ context.Context, url string) (ingest.SourceReport, error) {
	f.got = url
	return f.report, f.err
}

type fakeJobs struct {
	states    []scheduler.JobState
	triggered []string
	err       error
}

func (f *fakeJobs) Trigger(name string) error {
	if f.err != nil {
		return f.err
	}
	f.triggered = append(f.triggered, name)
	return nil
}

func (f *fakeJobs) Jobs() []scheduler.JobState {
	return f.states
}

type fakeStatistics struct {
	snapshots []aggregator.StatisticSnapshot
	err       error
	limit     int
}

func (f *fakeStatistics) Latest(context.Context) (aggregator.StatisticSnapshot, error) {
	if f.err != nil {
		return aggregator.StatisticSnapshot{}, f.err
	}
	if len(f.snapshots) == 0 {
		return aggregator.StatisticSnapshot{}, aggregator.ErrNotFound
	}
	return f.snapshots[0], nil
}

func (f *fakeStatistics) History(_ context.Context, limit int) ([]aggregator.StatisticSnapshot, error) {
	f.limit = limit
	return f.snapshots, f.err
}

type fakeSampler struct {
	articles []aggregator.Article
	n        int
}

func (f *fakeSampler) SampleArticles(_ context.Context, n int) ([]aggregator.Article, error) {
	f.n = n
	return f.articles, nil
}

type fakeSources struct {
	err error
}

func (f *fakeSources) ResetCrawlError(_ context.Context, rawURL string) (aggregator.Source, error) {
	if f.err != nil {
		return aggregator.Source{}, f.err
	}
	return aggregator.Source{ID: "s1", URL: rawURL}, nil
}

func serve(t *testing.T, s *Server, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{}, Options{}, zap.NewNop())
	rec := serve(t, s, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, "ok", decode(t, rec)["status"])
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	healthy := NewServer(Deps{Ready: []ReadinessCheck{func(context.Context) error { return nil }}}, Options{}, nil)
	require.Equal(t, http.StatusOK, serve(t, healthy, http.MethodGet, "/readyz", "").Code)

	broken := NewServer(Deps{Ready: []ReadinessCheck{
		func(context.Context) error { return errors.New("db down") },
	}}, Options{}, nil)
	rec := serve(t, broken, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "db down", decode(t, rec)["error"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{}, Options{}, nil)
	rec := serve(t, s, http.MethodGet, "/healthz", "", "X-Request-ID", "req-42")
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestIngestSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "ok", body: `{"url":"https://blog.example.com"}`, status: http.StatusOK},
		{name: "missing url", body: `{}`, status: http.StatusBadRequest},
		{name: "bad json", body: `{`, status: http.StatusBadRequest},
		{name: "bad scheme", body: `{"url":"ftp://blog.example.com"}`, status: http.StatusBadRequest},
		{
			name:   "not registered",
			body:   `{"url":"https://blog.example.com"}`,
			err:    fmt.Errorf("source: %w", aggregator.ErrNotFound),
			status: http.StatusNotFound,
		},
		{
			name:   "no feed",
			body:   `{"url":"https://blog.example.com"}`,
			err:    fmt.Errorf("source: %w", aggregator.ErrNoFeed),
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "feed unreachable",
			body:   `{"url":"https://blog.example.com"}`,
			err:    fmt.Errorf("fetch: %w", aggregator.ErrSourceUnreachable),
			status: http.StatusBadGateway,
		},
		{
			name:   "store failure",
			body:   `{"url":"https://blog.example.com"}`,
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ing := &fakeIngester{
				report: ingest.SourceReport{URL: "https://blog.example.com", Stage: ingest.StageDone, Added: 2},
				err:    tt.err,
			}
			s := NewServer(Deps{Ingester: ing}, Options{}, nil)
			rec := serve(t, s, http.MethodPost, "/v1/sources/ingest", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status == http.StatusOK {
				require.Equal(t, "https://blog.example.com", ing.got)
				report, ok := decode(t, rec)["report"].(map[string]any)
				require.True(t, ok)
				require.EqualValues(t, 2, report["added"])
			}
		})
	}
}

func TestIngestSourceUnavailable(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{}, Options{}, nil)
	rec := serve(t, s, http.MethodPost, "/v1/sources/ingest", `{"url":"https://a.example"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobs(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{states: []scheduler.JobState{{Name: "audit", Schedule: "0 0 3 * * *"}}}
	s := NewServer(Deps{Jobs: jobs}, Options{}, nil)

	rec := serve(t, s, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"audit"`)

	rec = serve(t, s, http.MethodPost, "/v1/jobs/audit/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"audit"}, jobs.triggered)
}

func TestRunJobErrors(t *testing.T) {
	t.Parallel()

	running := NewServer(Deps{Jobs: &fakeJobs{err: scheduler.ErrJobRunning}}, Options{}, nil)
	require.Equal(t, http.StatusConflict, serve(t, running, http.MethodPost, "/v1/jobs/ingest/run", "").Code)

	unknown := NewServer(Deps{Jobs: &fakeJobs{err: fmt.Errorf("x: %w", scheduler.ErrUnknownJob)}}, Options{}, nil)
	require.Equal(t, http.StatusNotFound, serve(t, unknown, http.MethodPost, "/v1/jobs/nope/run", "").Code)
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	empty := NewServer(Deps{Statistics: &fakeStatistics{}}, Options{}, nil)
	require.Equal(t, http.StatusNotFound, serve(t, empty, http.MethodGet, "/v1/statistics/latest", "").Code)

	stats := &fakeStatistics{snapshots: []aggregator.StatisticSnapshot{
		{ID: "s2", WebsiteCount: 5, ArticleCount: 120, InaccessibleArticleCount: 4, Date: time.Unix(200, 0).UTC()},
		{ID: "s1", WebsiteCount: 4, ArticleCount: 100, Date: time.Unix(100, 0).UTC()},
	}}
	s := NewServer(Deps{Statistics: stats}, Options{}, nil)

	rec := serve(t, s, http.MethodGet, "/v1/statistics/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"s2"`)

	rec = serve(t, s, http.MethodGet, "/v1/statistics?limit=1000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxStatisticsLimit, stats.limit)

	rec = serve(t, s, http.MethodGet, "/v1/statistics?limit=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRandomArticles(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{}
	s := NewServer(Deps{Articles: sampler}, Options{}, nil)

	rec := serve(t, s, http.MethodGet, "/v1/articles/random", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, defaultSampleSize, sampler.n)
	require.JSONEq(t, `{"articles":[]}`, rec.Body.String())

	rec = serve(t, s, http.MethodGet, "/v1/articles/random?limit=0", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyGuardsV1(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{Jobs: &fakeJobs{}}, Options{APIKey: "secret"}, nil)

	require.Equal(t, http.StatusForbidden, serve(t, s, http.MethodGet, "/v1/jobs", "").Code)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/v1/jobs", "", "X-API-Key", "secret").Code)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/v1/jobs?api_key=secret", "").Code)
	// Probes stay open.
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/healthz", "").Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{}, Options{}, nil)
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResetCrawlError(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{Sources: &fakeSources{}}, Options{}, nil)
	rec := serve(t, s, http.MethodPost, "/v1/sources/reset-crawl-error", `{"url":"https://a.example"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"crawl_error":0`)

	require.Equal(t, http.StatusBadRequest,
		serve(t, s, http.MethodPost, "/v1/sources/reset-crawl-error", `{}`).Code)

	missing := NewServer(Deps{Sources: &fakeSources{err: fmt.Errorf("x: %w", aggregator.ErrNotFound)}}, Options{}, nil)
	require.Equal(t, http.StatusNotFound,
		serve(t, missing, http.MethodPost, "/v1/sources/reset-crawl-error", `{"url":"https://a.example"}`).Code)
}

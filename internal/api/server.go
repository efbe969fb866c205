package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/ingest"
	"github.com/JakeFAU/blogroll-crawler/internal/metrics"
	"github.com/JakeFAU/blogroll-crawler/internal/scheduler"
)

// SourceIngester runs one source on demand.
type SourceIngester interface {
	IngestByURL(ctx context.Context, url string) (ingest.SourceReport, error)
}

// JobRegistry exposes the scheduler.
type JobRegistry interface {
	Trigger(name string) error
	Jobs() []scheduler.JobState
}

// StatisticsReader serves snapshot history.
type StatisticsReader interface {
	Latest(ctx context.Context) (aggregator.StatisticSnapshot, error)
	History(ctx context.Context, limit int) ([]aggregator.StatisticSnapshot, error)
}

// ArticleSampler serves random articles.
type ArticleSampler interface {
	SampleArticles(ctx context.Context, n int) ([]aggregator.Article, error)
}

// SourceAdmin exposes the registry's admin operations.
type SourceAdmin interface {
	ResetCrawlError(ctx context.Context, rawURL string) (aggregator.Source, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators behind the routes. Nil members answer 503.
type Deps struct {
	Ingester   SourceIngester
	Jobs       JobRegistry
	Statistics StatisticsReader
	Articles   ArticleSampler
	Sources    SourceAdmin
	Ready      []ReadinessCheck
}

// Options tune the server.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
	// IngestTimeout bounds a manual source ingestion.
	IngestTimeout time.Duration
}

// Server wires HTTP handlers to the crawler components.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.IngestTimeout <= 0 {
		opts.IngestTimeout = 10 * time.Minute
	}
	s := &Server{deps: deps, opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		// Manual ingestion can outlive the default request budget.
		r.Post("/sources/ingest", s.ingestSource)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Post("/sources/reset-crawl-error", s.resetCrawlError)
			r.Get("/jobs", s.listJobs)
			r.Post("/jobs/{name}/run", s.runJob)
			r.Get("/statistics", s.listStatistics)
			r.Get("/statistics/latest", s.latestStatistics)
			r.Get("/articles/random", s.randomArticles)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	for _, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type ingestRequest struct {
	URL string `json:"url"`
}

func (s *Server) ingestSource(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion unavailable")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if _, err := aggregator.CanonicalSourceURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.IngestTimeout)
	defer cancel()

	report, err := s.deps.Ingester.IngestByURL(ctx, req.URL)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"report": report})
	case errors.Is(err, aggregator.ErrNotFound):
		writeError(w, http.StatusNotFound, "source not registered")
	case errors.Is(err, aggregator.ErrNoFeed):
		writeError(w, http.StatusUnprocessableEntity, "source has no feed")
	case errors.Is(err, aggregator.ErrSourceUnreachable):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "feed unreachable", "report": report})
	default:
		s.logger.Error("manual ingestion failed", zap.String("url", req.URL), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "ingestion failed", "report": report})
	}
}

func (s *Server) resetCrawlError(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sources == nil {
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	source, err := s.deps.Sources.ResetCrawlError(r.Context(), req.URL)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"source": source})
	case errors.Is(err, aggregator.ErrNotFound):
		writeError(w, http.StatusNotFound, "source not registered")
	default:
		s.logger.Error("reset crawl error failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset crawl error")
	}
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Jobs.Jobs()})
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	name := chi.URLParam(r, "name")
	err := s.deps.Jobs.Trigger(name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "started"})
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, scheduler.ErrJobRunning):
		writeError(w, http.StatusConflict, "job already running")
	default:
		s.logger.Error("trigger job failed", zap.String("job", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start job")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

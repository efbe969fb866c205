package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

const (
	defaultStatisticsLimit = 30
	maxStatisticsLimit     = 366
	defaultSampleSize      = 10
	maxSampleSize          = 100
	readTimeout            = 3 * time.Second
)

// listStatistics handles GET /v1/statistics?limit=, newest first.
func (s *Server) listStatistics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Statistics == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics unavailable")
		return
	}
	limit, err := parseLimit(r, defaultStatisticsLimit, maxStatisticsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	snapshots, err := s.deps.Statistics.History(ctx, limit)
	if err != nil {
		s.logger.Error("list statistics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statistics": snapshots})
}

// latestStatistics handles GET /v1/statistics/latest. It answers 404 before
// the first snapshot has been taken.
func (s *Server) latestStatistics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Statistics == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	snapshot, err := s.deps.Statistics.Latest(ctx)
	if err != nil {
		if errors.Is(err, aggregator.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no statistics yet")
			return
		}
		s.logger.Error("latest statistics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statistics": snapshot})
}

// randomArticles handles GET /v1/articles/random?limit=.
func (s *Server) randomArticles(w http.ResponseWriter, r *http.Request) {
	if s.deps.Articles == nil {
		writeError(w, http.StatusServiceUnavailable, "articles unavailable")
		return
	}
	limit, err := parseLimit(r, defaultSampleSize, maxSampleSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	articles, err := s.deps.Articles.SampleArticles(ctx, limit)
	if err != nil {
		s.logger.Error("sample articles failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to sample articles")
		return
	}
	if articles == nil {
		articles = []aggregator.Article{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"articles": articles})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

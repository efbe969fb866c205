// Package stats records the daily statistic snapshots.
package stats

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

// Snapshotter counts sources and articles and appends a snapshot.
type Snapshotter struct {
	sources    aggregator.SourceStore
	articles   aggregator.ArticleStore
	statistics aggregator.StatisticStore
	ids        aggregator.IDGenerator
	clock      aggregator.Clock
	logger     *zap.Logger
}

// New wires a Snapshotter.
func New(
	sources aggregator.SourceStore,
	articles aggregator.ArticleStore,
	statistics aggregator.StatisticStore,
	ids aggregator.IDGenerator,
	clock aggregator.Clock,
	logger *zap.Logger,
) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{
		sources:    sources,
		articles:   articles,
		statistics: statistics,
		ids:        ids,
		clock:      clock,
		logger:     logger.Named("stats"),
	}
}

// Run computes and appends one snapshot dated now.
func (s *Snapshotter) Run(ctx context.Context) (aggregator.StatisticSnapshot, error) {
	websites, err := s.sources.CountSources(ctx)
	if err != nil {
		return aggregator.StatisticSnapshot{}, fmt.Errorf("count sources: %w", err)
	}
	articles, err := s.articles.CountArticles(ctx, aggregator.ArticleFilter{})
	if err != nil {
		return aggregator.StatisticSnapshot{}, fmt.Errorf("count articles: %w", err)
	}
	inaccessible, err := s.articles.CountArticles(ctx, aggregator.ArticleFilter{MinCrawlError: 1})
	if err != nil {
		return aggregator.StatisticSnapshot{}, fmt.Errorf("count inaccessible articles: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return aggregator.StatisticSnapshot{}, fmt.Errorf("generate snapshot id: %w", err)
	}

	snapshot := aggregator.StatisticSnapshot{
		ID:                       id,
		Date:                     s.clock.Now(),
		WebsiteCount:             websites,
		ArticleCount:             articles,
		InaccessibleArticleCount: inaccessible,
	}
	if err := s.statistics.AppendSnapshot(ctx, snapshot); err != nil {
		return aggregator.StatisticSnapshot{}, fmt.Errorf("append snapshot: %w", err)
	}
	s.logger.Info("statistics snapshot recorded",
		zap.Int64("website_count", websites),
		zap.Int64("article_count", articles),
		zap.Int64("inaccessible_article", inaccessible),
	)
	return snapshot, nil
}

// Latest returns the newest snapshot, or aggregator.ErrNotFound.
func (s *Snapshotter) Latest(ctx context.Context) (aggregator.StatisticSnapshot, error) {
	snapshot, err := s.statistics.LatestSnapshot(ctx)
	if err != nil {
		return aggregator.StatisticSnapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	return snapshot, nil
}

// History returns up to limit snapshots, newest first.
func (s *Snapshotter) History(ctx context.Context, limit int) ([]aggregator.StatisticSnapshot, error) {
	snapshots, err := s.statistics.ListSnapshots(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snapshots, nil
}

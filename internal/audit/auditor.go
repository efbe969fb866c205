// Package audit re-checks stored articles for reachability and prunes the
// ones that keep failing.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/dispatcher"
	"github.com/JakeFAU/blogroll-crawler/internal/metrics"
)

// Config controls an audit pass.
type Config struct {
	// BatchSize is the number of articles checked per day.
	BatchSize int
	// DeleteThreshold is the crawl error count an article may reach; one
	// more failure deletes it.
	DeleteThreshold int64
	Concurrency     int
	// Retry wraps each probe. The zero value probes once.
	Retry aggregator.RetryPolicy
}

// Report summarizes an audit pass.
type Report struct {
	Offset  int `json:"offset"`
	Checked int `json:"checked"`
	Failed  int `json:"failed"`
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

// Auditor walks a daily window of articles ordered by publish date.
type Auditor struct {
	articles aggregator.ArticleStore
	probe    aggregator.LivenessProbe
	clock    aggregator.Clock
	cfg      Config
	logger   *zap.Logger
}

// New wires an Auditor.
func New(articles aggregator.ArticleStore, probe aggregator.LivenessProbe, clock aggregator.Clock, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.DeleteThreshold <= 0 {
		cfg.DeleteThreshold = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{articles: articles, probe: probe, clock: clock, cfg: cfg, logger: logger.Named("audit")}
}

// Offset returns the window start for the given day of month, so a month of
// passes covers BatchSize*31 articles.
func (a *Auditor) Offset(dayOfMonth int) int {
	if dayOfMonth < 1 {
		dayOfMonth = 1
	}
	return (dayOfMonth - 1) * a.cfg.BatchSize
}

// Run probes today's window. Successful probes leave the article untouched;
// its crawl error count is never reset here.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	report := Report{Offset: a.Offset(a.clock.Now().Day())}
	window, err := a.articles.ListArticlesByPublishDate(ctx, aggregator.Page{Offset: report.Offset, Limit: a.cfg.BatchSize})
	if err != nil {
		return report, fmt.Errorf("list audit window: %w", err)
	}

	var mu sync.Mutex
	pool := dispatcher.New(a.cfg.Concurrency, func(ctx context.Context, article aggregator.Article) {
		outcome := a.check(ctx, article)
		mu.Lock()
		defer mu.Unlock()
		report.Checked++
		switch outcome {
		case outcomeFailed:
			report.Failed++
		case outcomeDeleted:
			report.Failed++
			report.Deleted++
		case outcomeError:
			report.Errors++
		}
	})
	pool.Run(ctx, window)

	a.logger.Info("audit finished",
		zap.Int("offset", report.Offset),
		zap.Int("checked", report.Checked),
		zap.Int("failed", report.Failed),
		zap.Int("deleted", report.Deleted),
	)
	return report, nil
}

type outcome int

const (
	outcomeAlive outcome = iota
	outcomeFailed
	outcomeDeleted
	outcomeError
)

func (a *Auditor) check(ctx context.Context, article aggregator.Article) outcome {
	probeErr := a.cfg.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		return a.probe.Check(ctx, article.URL)
	})
	if probeErr == nil {
		metrics.ObserveAuditProbe("alive")
		return outcomeAlive
	}
	if ctx.Err() != nil {
		return outcomeError
	}
	metrics.ObserveAuditProbe("failed")

	count, err := a.articles.IncrementArticleCrawlError(ctx, article.ID, 1)
	if err != nil {
		a.logger.Error("increment crawl error failed", zap.String("url", article.URL), zap.Error(err))
		return outcomeError
	}
	if count <= a.cfg.DeleteThreshold {
		a.logger.Debug("article unreachable", zap.String("url", article.URL), zap.Int64("crawl_error", count), zap.Error(probeErr))
		return outcomeFailed
	}
	if err := a.articles.DeleteArticle(ctx, article.ID); err != nil && !errors.Is(err, aggregator.ErrNotFound) {
		a.logger.Error("delete article failed", zap.String("url", article.URL), zap.Error(err))
		return outcomeError
	}
	metrics.ObserveArticlePruned()
	a.logger.Info("article pruned", zap.String("url", article.URL), zap.Int64("crawl_error", count))
	return outcomeDeleted
}

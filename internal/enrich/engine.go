// Package enrich derives an abstract, tags and a topic for an article by
// calling an external text-analysis service.
package enrich

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/metrics"
)

// Config bounds the analysis request.
type Config struct {
	TitleBudget int
	BodyBudget  int
	Timeout     time.Duration
	MaxTags     int
}

// Engine implements aggregator.Enricher.
type Engine struct {
	cfg      Config
	analyzer aggregator.TextAnalyzer
	logger   *zap.Logger
}

// NewEngine builds an Engine. A nil analyzer disables enrichment.
func NewEngine(cfg Config, analyzer aggregator.TextAnalyzer, logger *zap.Logger) *Engine {
	if cfg.TitleBudget <= 0 {
		cfg.TitleBudget = 80
	}
	if cfg.BodyBudget <= 0 {
		cfg.BodyBudget = 10000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTags <= 0 {
		cfg.MaxTags = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, analyzer: analyzer, logger: logger.Named("enrich")}
}

// Enrich analyzes text. Failures leave every field nil.
func (e *Engine) Enrich(ctx context.Context, title, text string) aggregator.Enrichment {
	text = strings.TrimSpace(text)
	if e.analyzer == nil || text == "" {
		return aggregator.Enrichment{}
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	analysis, err := e.analyzer.Analyze(ctx,
		TruncateBytes(strings.TrimSpace(title), e.cfg.TitleBudget),
		TruncateBytes(text, e.cfg.BodyBudget))
	if err != nil {
		metrics.ObserveEnrichment("error")
		e.logger.Warn("text analysis failed", zap.String("title", title), zap.Error(err))
		return aggregator.Enrichment{}
	}
	metrics.ObserveEnrichment("ok")

	var out aggregator.Enrichment
	if abstract := strings.TrimSpace(analysis.Abstract); abstract != "" {
		out.Abstract = &abstract
	}
	out.Tags = cleanTags(analysis.Tags, e.cfg.MaxTags)
	topic := MapTopic(analysis.Topic)
	out.Topic = &topic
	return out
}

func cleanTags(tags []string, limit int) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == limit {
			break
		}
	}
	return out
}

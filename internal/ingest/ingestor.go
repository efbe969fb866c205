package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/metrics"
)

// Deps are the collaborators of an Ingestor. Enricher, Images and Publisher
// are optional.
type Deps struct {
	Articles  aggregator.ArticleStore
	Sources   aggregator.SourceStore
	Extractor aggregator.ContentExtractor
	Enricher  aggregator.Enricher
	Images    aggregator.ImageProcessor
	Publisher aggregator.Publisher
	IDs       aggregator.IDGenerator
	Clock     aggregator.Clock
}

// IngestorConfig controls side effects of AddArticle.
type IngestorConfig struct {
	// EventTopic receives an ArticleEvent for every stored article. Empty
	// disables publishing.
	EventTopic string
}

// Ingestor implements the per-article add operation.
type Ingestor struct {
	deps   Deps
	cfg    IngestorConfig
	logger *zap.Logger
}

// NewIngestor validates deps and returns an Ingestor.
func NewIngestor(deps Deps, cfg IngestorConfig, logger *zap.Logger) (*Ingestor, error) {
	switch {
	case deps.Articles == nil:
		return nil, errors.New("article store is required")
	case deps.Sources == nil:
		return nil, errors.New("source store is required")
	case deps.Extractor == nil:
		return nil, errors.New("content extractor is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{deps: deps, cfg: cfg, logger: logger.Named("ingestor")}, nil
}

// AddArticle stores the candidate unless its URL is already known. Repeated
// calls with the same URL never create a second record.
func (i *Ingestor) AddArticle(ctx context.Context, c aggregator.Candidate) (aggregator.AddResult, error) {
	link := strings.TrimSpace(c.Entry.Link)
	if link == "" {
		return aggregator.AddResult{}, errors.New("candidate has no link")
	}
	site := c.Source.URL

	existing, err := i.deps.Articles.GetArticleByURL(ctx, link)
	switch {
	case err == nil:
		metrics.ObserveArticle(site, "exists")
		return aggregator.AddResult{Status: aggregator.StatusExists, Article: &existing}, nil
	case !errors.Is(err, aggregator.ErrNotFound):
		return aggregator.AddResult{}, fmt.Errorf("lookup article: %w", err)
	}

	id, err := i.deps.IDs.NewID()
	if err != nil {
		return aggregator.AddResult{}, fmt.Errorf("generate article id: %w", err)
	}
	now := i.now()
	article := i.build(ctx, id, link, c, now)

	if err := i.deps.Articles.CreateArticle(ctx, article); err != nil {
		if errors.Is(err, aggregator.ErrDuplicateArticle) {
			// Lost the race against a concurrent insert of the same URL.
			metrics.ObserveArticle(site, "exists")
			return aggregator.AddResult{Status: aggregator.StatusExists}, nil
		}
		metrics.ObserveArticle(site, "error")
		return aggregator.AddResult{}, fmt.Errorf("create article: %w", err)
	}
	metrics.ObserveArticle(site, "ok")

	if c.Source.ID != "" {
		if err := i.deps.Sources.TouchSourceCrawl(ctx, c.Source.ID, now); err != nil {
			i.logger.Warn("touch source crawl failed", zap.String("source", c.Source.URL), zap.Error(err))
		}
	}
	i.publish(ctx, article)

	i.logger.Debug("article stored",
		zap.String("url", link),
		zap.String("source", c.Source.URL),
		zap.Bool("degraded", article.Content == nil),
	)
	return aggregator.AddResult{Status: aggregator.StatusOK, Article: &article}, nil
}

func (i *Ingestor) build(ctx context.Context, id, link string, c aggregator.Candidate, now time.Time) aggregator.Article {
	extraction := i.deps.Extractor.Extract(ctx, link, aggregator.HostNamespace(c.Source.URL), c.Entry.Description)

	title := strings.TrimSpace(c.Entry.Title)
	if title == "" {
		title = extraction.Title
	}
	published := c.Entry.Published
	if published.IsZero() {
		published = now
	}

	article := aggregator.Article{
		ID:          id,
		URL:         link,
		SourceID:    c.Source.ID,
		SourceURL:   c.Source.URL,
		Author:      c.Source.Name,
		Title:       title,
		Description: strings.TrimSpace(c.Entry.Description),
		PublishDate: published,
		Content:     extraction.Content,
		CreatedAt:   now,
	}

	if !extraction.Degraded() && i.deps.Enricher != nil {
		enrichment := i.deps.Enricher.Enrich(ctx, title, extraction.Text)
		article.Abstract = enrichment.Abstract
		article.Tags = enrichment.Tags
		article.Topic = enrichment.Topic
	}
	if extraction.ImageURL != "" && i.deps.Images != nil {
		article.Cover = i.deps.Images.Process(ctx, extraction.ImageURL, c.Source.URL)
	}
	return article
}

func (i *Ingestor) publish(ctx context.Context, article aggregator.Article) {
	if i.cfg.EventTopic == "" || i.deps.Publisher == nil {
		return
	}
	event := aggregator.ArticleEvent{
		ArticleID:   article.ID,
		URL:         article.URL,
		SourceID:    article.SourceID,
		Title:       article.Title,
		PublishDate: article.PublishDate,
		Degraded:    article.Content == nil,
	}
	if article.Topic != nil {
		event.Topic = *article.Topic
	}
	if _, err := i.deps.Publisher.Publish(ctx, i.cfg.EventTopic, event); err != nil {
		i.logger.Warn("publish article event failed", zap.String("url", article.URL), zap.Error(err))
	}
}

func (i *Ingestor) now() time.Time {
	if i.deps.Clock != nil {
		return i.deps.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// Package memory provides in-process implementations of the persistence and
// blob contracts for development, tests and single-run CLI invocations.
package memory

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

// Store keeps sources, articles and statistic snapshots in maps guarded by a
// single RWMutex. Article URL uniqueness is enforced under the write lock.
type Store struct {
	mu         sync.RWMutex
	sources    map[string]aggregator.Source
	sourceURLs map[string]string
	articles   map[string]aggregator.Article
	articleURL map[string]string
	snapshots  []aggregator.StatisticSnapshot
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sources:    make(map[string]aggregator.Source),
		sourceURLs: make(map[string]string),
		articles:   make(map[string]aggregator.Article),
		articleURL: make(map[string]string),
	}
}

// CreateSource registers a source. URLs are unique.
func (s *Store) CreateSource(_ context.Context, source aggregator.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[source.ID]; exists {
		return fmt.Errorf("source %s already exists", source.ID)
	}
	if _, exists := s.sourceURLs[source.URL]; exists {
		return fmt.Errorf("source url %s already registered", source.URL)
	}
	s.sources[source.ID] = cloneSource(source)
	s.sourceURLs[source.URL] = source.ID
	return nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(_ context.Context, id string) (aggregator.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return aggregator.Source{}, fmt.Errorf("source %s: %w", id, aggregator.ErrNotFound)
	}
	return cloneSource(src), nil
}

// GetSourceByURL fetches a source by canonical URL.
func (s *Store) GetSourceByURL(_ context.Context, url string) (aggregator.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sourceURLs[url]
	if !ok {
		return aggregator.Source{}, fmt.Errorf("source %s: %w", url, aggregator.ErrNotFound)
	}
	return cloneSource(s.sources[id]), nil
}

// ListSources returns every source ordered by creation time.
func (s *Store) ListSources(_ context.Context) ([]aggregator.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]aggregator.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, cloneSource(src))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateSourceMetadata overwrites the descriptive fields that are set in meta.
func (s *Store) UpdateSourceMetadata(_ context.Context, id string, meta aggregator.SourceMetadata) error {
	return s.mutateSource(id, func(src *aggregator.Source) {
		if meta.Name != "" {
			src.Name = meta.Name
		}
		if meta.RSS != "" {
			src.RSS = meta.RSS
		}
		if meta.Description != "" {
			src.Description = meta.Description
		}
		if meta.Cover != "" {
			src.Cover = meta.Cover
		}
	})
}

// TouchSourceCrawl records the time of the latest stored article.
func (s *Store) TouchSourceCrawl(_ context.Context, id string, at time.Time) error {
	return s.mutateSource(id, func(src *aggregator.Source) {
		ts := at.UTC()
		src.LastCrawl = &ts
	})
}

// IncrementSourceCrawlError adds delta to the source's crawl error counter.
func (s *Store) IncrementSourceCrawlError(_ context.Context, id string, delta int64) error {
	return s.mutateSource(id, func(src *aggregator.Source) {
		src.CrawlError += delta
	})
}

// ResetSourceCrawlError zeroes the crawl error counter.
func (s *Store) ResetSourceCrawlError(_ context.Context, id string) error {
	return s.mutateSource(id, func(src *aggregator.Source) {
		src.CrawlError = 0
	})
}

// SetSourceAggregates overwrites the derived counters.
func (s *Store) SetSourceAggregates(_ context.Context, id string, agg aggregator.SourceAggregates) error {
	return s.mutateSource(id, func(src *aggregator.Source) {
		src.ArticleCount = agg.ArticleCount
		src.PageView = agg.PageView
		src.Categories = cloneCategories(agg.Categories)
		src.LastPublish = cloneTime(agg.LastPublish)
	})
}

// CountSources returns the number of registered sources.
func (s *Store) CountSources(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sources)), nil
}

func (s *Store) mutateSource(id string, fn func(*aggregator.Source)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, aggregator.ErrNotFound)
	}
	fn(&src)
	s.sources[id] = src
	return nil
}

// CreateArticle stores a new article, rejecting known URLs with
// aggregator.ErrDuplicateArticle.
func (s *Store) CreateArticle(_ context.Context, article aggregator.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.articleURL[article.URL]; exists {
		return fmt.Errorf("article %s: %w", article.URL, aggregator.ErrDuplicateArticle)
	}
	if _, exists := s.articles[article.ID]; exists {
		return fmt.Errorf("article id %s already exists", article.ID)
	}
	s.articles[article.ID] = cloneArticle(article)
	s.articleURL[article.URL] = article.ID
	return nil
}

// GetArticle fetches an article by ID.
func (s *Store) GetArticle(_ context.Context, id string) (aggregator.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.articles[id]
	if !ok {
		return aggregator.Article{}, fmt.Errorf("article %s: %w", id, aggregator.ErrNotFound)
	}
	return cloneArticle(a), nil
}

// GetArticleByURL fetches an article by its URL.
func (s *Store) GetArticleByURL(_ context.Context, url string) (aggregator.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.articleURL[url]
	if !ok {
		return aggregator.Article{}, fmt.Errorf("article %s: %w", url, aggregator.ErrNotFound)
	}
	return cloneArticle(s.articles[id]), nil
}

// ListArticlesByPublishDate returns a window of articles sorted by publish
// date ascending.
func (s *Store) ListArticlesByPublishDate(_ context.Context, page aggregator.Page) ([]aggregator.Article, error) {
	s.mu.RLock()
	all := make([]aggregator.Article, 0, len(s.articles))
	for _, a := range s.articles {
		all = append(all, cloneArticle(a))
	}
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].PublishDate.Equal(all[j].PublishDate) {
			return all[i].ID < all[j].ID
		}
		return all[i].PublishDate.Before(all[j].PublishDate)
	})
	if page.Offset >= len(all) {
		return []aggregator.Article{}, nil
	}
	all = all[max(page.Offset, 0):]
	if page.Limit > 0 && page.Limit < len(all) {
		all = all[:page.Limit]
	}
	return all, nil
}

// ListSourceArticles returns every article belonging to a source.
func (s *Store) ListSourceArticles(_ context.Context, sourceID string) ([]aggregator.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []aggregator.Article
	for _, a := range s.articles {
		if a.SourceID == sourceID {
			out = append(out, cloneArticle(a))
		}
	}
	return out, nil
}

// IncrementArticleCrawlError adds delta and returns the new counter value.
func (s *Store) IncrementArticleCrawlError(_ context.Context, id string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[id]
	if !ok {
		return 0, fmt.Errorf("article %s: %w", id, aggregator.ErrNotFound)
	}
	a.CrawlError += delta
	s.articles[id] = a
	return a.CrawlError, nil
}

// DeleteArticle removes an article permanently.
func (s *Store) DeleteArticle(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[id]
	if !ok {
		return fmt.Errorf("article %s: %w", id, aggregator.ErrNotFound)
	}
	delete(s.articles, id)
	delete(s.articleURL, a.URL)
	return nil
}

// CountArticles counts the articles matching filter.
func (s *Store) CountArticles(_ context.Context, filter aggregator.ArticleFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, a := range s.articles {
		if filter.SourceID != "" && a.SourceID != filter.SourceID {
			continue
		}
		if a.CrawlError < filter.MinCrawlError {
			continue
		}
		n++
	}
	return n, nil
}

// SampleArticles returns up to n random unblocked articles.
func (s *Store) SampleArticles(_ context.Context, n int) ([]aggregator.Article, error) {
	s.mu.RLock()
	pool := make([]aggregator.Article, 0, len(s.articles))
	for _, a := range s.articles {
		if !a.IsBlocked {
			pool = append(pool, cloneArticle(a))
		}
	}
	s.mu.RUnlock()

	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n >= 0 && n < len(pool) {
		pool = pool[:n]
	}
	return pool, nil
}

// AppendSnapshot appends a statistic snapshot.
func (s *Store) AppendSnapshot(_ context.Context, snapshot aggregator.StatisticSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

// LatestSnapshot returns the most recently appended snapshot.
func (s *Store) LatestSnapshot(_ context.Context) (aggregator.StatisticSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snapshots) == 0 {
		return aggregator.StatisticSnapshot{}, fmt.Errorf("statistic snapshot: %w", aggregator.ErrNotFound)
	}
	return s.snapshots[len(s.snapshots)-1], nil
}

// ListSnapshots returns up to limit snapshots, newest first.
func (s *Store) ListSnapshots(_ context.Context, limit int) ([]aggregator.StatisticSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]aggregator.StatisticSnapshot, 0, len(s.snapshots))
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.snapshots[i])
	}
	return out, nil
}

func cloneSource(src aggregator.Source) aggregator.Source {
	src.Categories = cloneCategories(src.Categories)
	src.LastCrawl = cloneTime(src.LastCrawl)
	src.LastPublish = cloneTime(src.LastPublish)
	return src
}

func cloneArticle(a aggregator.Article) aggregator.Article {
	a.Content = cloneString(a.Content)
	a.Abstract = cloneString(a.Abstract)
	a.Topic = cloneString(a.Topic)
	a.Tags = append([]string(nil), a.Tags...)
	if a.Cover != nil {
		cover := make(aggregator.CoverSet, len(a.Cover))
		for k, v := range a.Cover {
			cover[k] = v
		}
		a.Cover = cover
	}
	return a
}

func cloneCategories(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

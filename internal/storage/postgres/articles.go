package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

const articleColumns = `id, url, source_id, source_url, author, title, description, publish_date,
	content, abstract, tags, topic, cover, page_view, is_featured, is_blocked, crawl_error, created_at`

// CreateArticle inserts an article. A URL conflict is reported as
// aggregator.ErrDuplicateArticle.
func (s *Store) CreateArticle(ctx context.Context, article aggregator.Article) error {
	tags := article.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := marshalJSON(tags)
	if err != nil {
		return err
	}
	var coverJSON []byte
	if article.Cover != nil {
		if coverJSON, err = marshalJSON(article.Cover); err != nil {
			return err
		}
	}
	query := `
INSERT INTO articles (
	id, url, source_id, source_url, author, title, description, publish_date,
	content, abstract, tags, topic, cover, page_view, is_featured, is_blocked, crawl_error, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (url) DO NOTHING`
	args := []any{
		article.ID,
		article.URL,
		article.SourceID,
		article.SourceURL,
		article.Author,
		article.Title,
		article.Description,
		article.PublishDate,
		article.Content,
		article.Abstract,
		tagsJSON,
		article.Topic,
		coverJSON,
		article.PageView,
		article.IsFeatured,
		article.IsBlocked,
		article.CrawlError,
		article.CreatedAt,
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("article %s: %w", article.URL, aggregator.ErrDuplicateArticle)
	}
	return nil
}

// GetArticle fetches an article by ID.
func (s *Store) GetArticle(ctx context.Context, id string) (aggregator.Article, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id)
	return scanArticleRow(row, id)
}

// GetArticleByURL fetches an article by its URL.
func (s *Store) GetArticleByURL(ctx context.Context, url string) (aggregator.Article, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE url = $1`, url)
	return scanArticleRow(row, url)
}

// ListArticlesByPublishDate returns a window ordered by publish date ascending.
func (s *Store) ListArticlesByPublishDate(ctx context.Context, page aggregator.Page) ([]aggregator.Article, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	return s.queryArticles(ctx, "list articles",
		`SELECT `+articleColumns+` FROM articles ORDER BY publish_date ASC, id ASC OFFSET $1 LIMIT $2`,
		max(page.Offset, 0), limit)
}

// ListSourceArticles returns every article belonging to a source.
func (s *Store) ListSourceArticles(ctx context.Context, sourceID string) ([]aggregator.Article, error) {
	return s.queryArticles(ctx, "list source articles",
		`SELECT `+articleColumns+` FROM articles WHERE source_id = $1`, sourceID)
}

// AggregateSourceArticles computes a source's counters and topic histogram
// with one grouped query.
func (s *Store) AggregateSourceArticles(ctx context.Context, sourceID string) (aggregator.SourceAggregates, error) {
	rows, err := s.pool.Query(ctx, `
SELECT COALESCE(NULLIF(topic, ''), $2) AS bucket, COUNT(*), COALESCE(SUM(page_view), 0), MAX(publish_date)
FROM articles WHERE source_id = $1 GROUP BY bucket`, sourceID, aggregator.UncategorizedTopic)
	if err != nil {
		return aggregator.SourceAggregates{}, fmt.Errorf("aggregate source articles: %w", err)
	}
	defer rows.Close()

	agg := aggregator.SourceAggregates{Categories: make(map[string]int)}
	for rows.Next() {
		var (
			topic     string
			count     int64
			pageView  int64
			published *time.Time
		)
		if err := rows.Scan(&topic, &count, &pageView, &published); err != nil {
			return aggregator.SourceAggregates{}, fmt.Errorf("scan source aggregate: %w", err)
		}
		agg.ArticleCount += count
		agg.PageView += pageView
		agg.Categories[topic] += int(count)
		if published != nil && !published.IsZero() && (agg.LastPublish == nil || published.After(*agg.LastPublish)) {
			agg.LastPublish = published
		}
	}
	if err := rows.Err(); err != nil {
		return aggregator.SourceAggregates{}, fmt.Errorf("aggregate source articles: %w", err)
	}
	return agg, nil
}

// IncrementArticleCrawlError adds delta in place and returns the new value.
func (s *Store) IncrementArticleCrawlError(ctx context.Context, id string, delta int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`UPDATE articles SET crawl_error = crawl_error + $2 WHERE id = $1 RETURNING crawl_error`,
		id, delta).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("article %s: %w", id, aggregator.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment article crawl error: %w", err)
	}
	return n, nil
}

// DeleteArticle removes an article permanently.
func (s *Store) DeleteArticle(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM articles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete article: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("article %s: %w", id, aggregator.ErrNotFound)
	}
	return nil
}

// CountArticles counts the articles matching filter.
func (s *Store) CountArticles(ctx context.Context, filter aggregator.ArticleFilter) (int64, error) {
	var (
		conds []string
		args  []any
	)
	if filter.SourceID != "" {
		args = append(args, filter.SourceID)
		conds = append(conds, fmt.Sprintf("source_id = $%d", len(args)))
	}
	if filter.MinCrawlError > 0 {
		args = append(args, filter.MinCrawlError)
		conds = append(conds, fmt.Sprintf("crawl_error >= $%d", len(args)))
	}
	query := `SELECT COUNT(*) FROM articles`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count articles: %w", err)
	}
	return n, nil
}

// SampleArticles returns up to n random unblocked articles.
func (s *Store) SampleArticles(ctx context.Context, n int) ([]aggregator.Article, error) {
	return s.queryArticles(ctx, "sample articles",
		`SELECT `+articleColumns+` FROM articles WHERE is_blocked = FALSE ORDER BY random() LIMIT $1`, n)
}

func (s *Store) queryArticles(ctx context.Context, op, query string, args ...any) ([]aggregator.Article, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []aggregator.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanArticleRow(row scanner, key string) (aggregator.Article, error) {
	a, err := scanArticle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return aggregator.Article{}, fmt.Errorf("article %s: %w", key, aggregator.ErrNotFound)
	}
	return a, err
}

func scanArticle(row scanner) (aggregator.Article, error) {
	var (
		a     aggregator.Article
		tags  []byte
		cover []byte
	)
	err := row.Scan(
		&a.ID,
		&a.URL,
		&a.SourceID,
		&a.SourceURL,
		&a.Author,
		&a.Title,
		&a.Description,
		&a.PublishDate,
		&a.Content,
		&a.Abstract,
		&tags,
		&a.Topic,
		&cover,
		&a.PageView,
		&a.IsFeatured,
		&a.IsBlocked,
		&a.CrawlError,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return aggregator.Article{}, err
		}
		return aggregator.Article{}, fmt.Errorf("scan article: %w", err)
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &a.Tags); err != nil {
			return aggregator.Article{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	if len(cover) > 0 && string(cover) != "null" {
		if err := json.Unmarshal(cover, &a.Cover); err != nil {
			return aggregator.Article{}, fmt.Errorf("decode cover: %w", err)
		}
	}
	return a, nil
}

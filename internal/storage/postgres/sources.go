package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

const sourceColumns = `id, url, name, rss, description, cover, article_count, page_view,
	crawl_error, last_publish, last_crawl, categories, created_at`

// CreateSource inserts a source row.
func (s *Store) CreateSource(ctx context.Context, source aggregator.Source) error {
	categories, err := marshalCategories(source.Categories)
	if err != nil {
		return err
	}
	query := `
INSERT INTO sources (
	id, url, name, rss, description, cover, article_count, page_view,
	crawl_error, last_publish, last_crawl, categories, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	args := []any{
		source.ID,
		source.URL,
		source.Name,
		source.RSS,
		source.Description,
		source.Cover,
		source.ArticleCount,
		source.PageView,
		source.CrawlError,
		source.LastPublish,
		source.LastCrawl,
		categories,
		source.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (aggregator.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	return scanSourceRow(row, id)
}

// GetSourceByURL fetches a source by canonical URL.
func (s *Store) GetSourceByURL(ctx context.Context, url string) (aggregator.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE url = $1`, url)
	return scanSourceRow(row, url)
}

// ListSources returns every source ordered by creation time.
func (s *Store) ListSources(ctx context.Context) ([]aggregator.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY created_at, url`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []aggregator.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// UpdateSourceMetadata overwrites the descriptive fields that are non-empty.
func (s *Store) UpdateSourceMetadata(ctx context.Context, id string, meta aggregator.SourceMetadata) error {
	query := `
UPDATE sources SET
	name = COALESCE(NULLIF($2, ''), name),
	rss = COALESCE(NULLIF($3, ''), rss),
	description = COALESCE(NULLIF($4, ''), description),
	cover = COALESCE(NULLIF($5, ''), cover)
WHERE id = $1`
	return s.execSource(ctx, "update source metadata", id, query, id, meta.Name, meta.RSS, meta.Description, meta.Cover)
}

// TouchSourceCrawl records the time of the latest stored article.
func (s *Store) TouchSourceCrawl(ctx context.Context, id string, at time.Time) error {
	return s.execSource(ctx, "touch source crawl", id,
		`UPDATE sources SET last_crawl = $2 WHERE id = $1`, id, at.UTC())
}

// IncrementSourceCrawlError adds delta to the crawl error counter in place.
func (s *Store) IncrementSourceCrawlError(ctx context.Context, id string, delta int64) error {
	return s.execSource(ctx, "increment source crawl error", id,
		`UPDATE sources SET crawl_error = crawl_error + $2 WHERE id = $1`, id, delta)
}

// ResetSourceCrawlError zeroes the crawl error counter.
func (s *Store) ResetSourceCrawlError(ctx context.Context, id string) error {
	return s.execSource(ctx, "reset source crawl error", id,
		`UPDATE sources SET crawl_error = 0 WHERE id = $1`, id)
}

// SetSourceAggregates overwrites the derived counters.
func (s *Store) SetSourceAggregates(ctx context.Context, id string, agg aggregator.SourceAggregates) error {
	categories, err := marshalCategories(agg.Categories)
	if err != nil {
		return err
	}
	query := `
UPDATE sources SET
	article_count = $2,
	page_view = $3,
	categories = $4,
	last_publish = $5
WHERE id = $1`
	return s.execSource(ctx, "set source aggregates", id, query,
		id, agg.ArticleCount, agg.PageView, categories, agg.LastPublish)
}

// CountSources returns the number of registered sources.
func (s *Store) CountSources(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sources`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sources: %w", err)
	}
	return n, nil
}

func (s *Store) execSource(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, id, aggregator.ErrNotFound)
	}
	return nil
}

func scanSourceRow(row scanner, key string) (aggregator.Source, error) {
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return aggregator.Source{}, fmt.Errorf("source %s: %w", key, aggregator.ErrNotFound)
	}
	return src, err
}

func scanSource(row scanner) (aggregator.Source, error) {
	var (
		src        aggregator.Source
		categories []byte
	)
	err := row.Scan(
		&src.ID,
		&src.URL,
		&src.Name,
		&src.RSS,
		&src.Description,
		&src.Cover,
		&src.ArticleCount,
		&src.PageView,
		&src.CrawlError,
		&src.LastPublish,
		&src.LastCrawl,
		&categories,
		&src.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return aggregator.Source{}, err
		}
		return aggregator.Source{}, fmt.Errorf("scan source: %w", err)
	}
	if len(categories) > 0 {
		if err := json.Unmarshal(categories, &src.Categories); err != nil {
			return aggregator.Source{}, fmt.Errorf("decode categories: %w", err)
		}
	}
	return src, nil
}

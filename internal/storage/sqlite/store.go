// Package sqlite provides an embedded, single-file implementation of the
// source registry, article store and statistic log for single-node
// deployments. Queries are built with squirrel and run through the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id            TEXT PRIMARY KEY,
	url           TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	rss           TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	cover         TEXT NOT NULL DEFAULT '',
	article_count INTEGER NOT NULL DEFAULT 0,
	page_view     INTEGER NOT NULL DEFAULT 0,
	crawl_error   INTEGER NOT NULL DEFAULT 0,
	last_publish  INTEGER,
	last_crawl    INTEGER,
	categories    TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS articles (
	id           TEXT PRIMARY KEY,
	url          TEXT NOT NULL UNIQUE,
	source_id    TEXT NOT NULL,
	source_url   TEXT NOT NULL DEFAULT '',
	author       TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	publish_date INTEGER NOT NULL,
	content      TEXT,
	abstract     TEXT,
	tags         TEXT NOT NULL DEFAULT '[]',
	topic        TEXT,
	cover        TEXT,
	page_view    INTEGER NOT NULL DEFAULT 0,
	is_featured  INTEGER NOT NULL DEFAULT 0,
	is_blocked   INTEGER NOT NULL DEFAULT 0,
	crawl_error  INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS articles_publish_date_idx ON articles (publish_date, id);
CREATE INDEX IF NOT EXISTS articles_source_id_idx ON articles (source_id);
CREATE TABLE IF NOT EXISTS statistics (
	id                   TEXT PRIMARY KEY,
	date                 INTEGER NOT NULL,
	website_count        INTEGER NOT NULL,
	article_count        INTEGER NOT NULL,
	inaccessible_article INTEGER NOT NULL
);
`

var (
	psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

	sourceColumns = []string{
		"id", "url", "name", "rss", "description", "cover", "article_count", "page_view",
		"crawl_error", "last_publish", "last_crawl", "categories", "created_at",
	}
	articleColumns = []string{
		"id", "url", "source_id", "source_url", "author", "title", "description", "publish_date",
		"content", "abstract", "tags", "topic", "cover", "page_view", "is_featured", "is_blocked",
		"crawl_error", "created_at",
	}
	statisticColumns = []string{"id", "date", "website_count", "article_count", "inaccessible_article"}
)

// Store implements aggregator.Store on an SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// CreateSource inserts a source row.
func (s *Store) CreateSource(ctx context.Context, source aggregator.Source) error {
	categories, err := encodeJSON(source.Categories, "{}")
	if err != nil {
		return err
	}
	created := source.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	query := psql.Insert("sources").Columns(sourceColumns...).Values(
		source.ID, source.URL, source.Name, source.RSS, source.Description, source.Cover,
		source.ArticleCount, source.PageView, source.CrawlError,
		nullableTime(source.LastPublish), nullableTime(source.LastCrawl), categories, created.UnixNano(),
	)
	if _, err := s.exec(ctx, query); err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (aggregator.Source, error) {
	return s.getSource(ctx, sq.Eq{"id": id}, id)
}

// GetSourceByURL fetches a source by canonical URL.
func (s *Store) GetSourceByURL(ctx context.Context, url string) (aggregator.Source, error) {
	return s.getSource(ctx, sq.Eq{"url": url}, url)
}

func (s *Store) getSource(ctx context.Context, where sq.Eq, key string) (aggregator.Source, error) {
	sqlStr, args, err := psql.Select(sourceColumns...).From("sources").Where(where).ToSql()
	if err != nil {
		return aggregator.Source{}, fmt.Errorf("build query: %w", err)
	}
	src, err := scanSource(s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return aggregator.Source{}, fmt.Errorf("source %s: %w", key, aggregator.ErrNotFound)
	}
	return src, err
}

// ListSources returns every source ordered by creation time.
func (s *Store) ListSources(ctx context.Context) ([]aggregator.Source, error) {
	sqlStr, args, err := psql.Select(sourceColumns...).From("sources").OrderBy("created_at", "url").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
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
	fields := map[string]any{}
	if meta.Name != "" {
		fields["name"] = meta.Name
	}
	if meta.RSS != "" {
		fields["rss"] = meta.RSS
	}
	if meta.Description != "" {
		fields["description"] = meta.Description
	}
	if meta.Cover != "" {
		fields["cover"] = meta.Cover
	}
	if len(fields) == 0 {
		_, err := s.GetSource(ctx, id)
		return err
	}
	return s.updateSource(ctx, "update source metadata", id, psql.Update("sources").SetMap(fields))
}

// TouchSourceCrawl records the time of the latest stored article.
func (s *Store) TouchSourceCrawl(ctx context.Context, id string, at time.Time) error {
	return s.updateSource(ctx, "touch source crawl", id,
		psql.Update("sources").Set("last_crawl", at.UTC().UnixNano()))
}

// IncrementSourceCrawlError adds delta to the crawl error counter in place.
func (s *Store) IncrementSourceCrawlError(ctx context.Context, id string, delta int64) error {
	return s.updateSource(ctx, "increment source crawl error", id,
		psql.Update("sources").Set("crawl_error", sq.Expr("crawl_error + ?", delta)))
}

// ResetSourceCrawlError zeroes the crawl error counter.
func (s *Store) ResetSourceCrawlError(ctx context.Context, id string) error {
	return s.updateSource(ctx, "reset source crawl error", id,
		psql.Update("sources").Set("crawl_error", 0))
}

// SetSourceAggregates overwrites the derived counters.
func (s *Store) SetSourceAggregates(ctx context.Context, id string, agg aggregator.SourceAggregates) error {
	categories, err := encodeJSON(agg.Categories, "{}")
	if err != nil {
		return err
	}
	return s.updateSource(ctx, "set source aggregates", id, psql.Update("sources").SetMap(map[string]any{
		"article_count": agg.ArticleCount,
		"page_view":     agg.PageView,
		"categories":    categories,
		"last_publish":  nullableTime(agg.LastPublish),
	}))
}

// CountSources returns the number of registered sources.
func (s *Store) CountSources(ctx context.Context) (int64, error) {
	return s.count(ctx, psql.Select("COUNT(*)").From("sources"))
}

func (s *Store) updateSource(ctx context.Context, op, id string, query sq.UpdateBuilder) error {
	res, err := s.exec(ctx, query.Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, aggregator.ErrNotFound)
	}
	return nil
}

// CreateArticle inserts an article. A URL conflict is reported as
// aggregator.ErrDuplicateArticle.
func (s *Store) CreateArticle(ctx context.Context, article aggregator.Article) error {
	tags, err := encodeJSON(article.Tags, "[]")
	if err != nil {
		return err
	}
	var cover any
	if article.Cover != nil {
		if cover, err = encodeJSON(article.Cover, "{}"); err != nil {
			return err
		}
	}
	created := article.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	query := psql.Insert("articles").Columns(articleColumns...).Values(
		article.ID, article.URL, article.SourceID, article.SourceURL, article.Author, article.Title,
		article.Description, article.PublishDate.UnixNano(), article.Content, article.Abstract, tags,
		article.Topic, cover, article.PageView, article.IsFeatured, article.IsBlocked,
		article.CrawlError, created.UnixNano(),
	).Suffix("ON CONFLICT(url) DO NOTHING")
	res, err := s.exec(ctx, query)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("article %s: %w", article.URL, aggregator.ErrDuplicateArticle)
	}
	return nil
}

// GetArticle fetches an article by ID.
func (s *Store) GetArticle(ctx context.Context, id string) (aggregator.Article, error) {
	return s.getArticle(ctx, sq.Eq{"id": id}, id)
}

// GetArticleByURL fetches an article by its URL.
func (s *Store) GetArticleByURL(ctx context.Context, url string) (aggregator.Article, error) {
	return s.getArticle(ctx, sq.Eq{"url": url}, url)
}

func (s *Store) getArticle(ctx context.Context, where sq.Eq, key string) (aggregator.Article, error) {
	sqlStr, args, err := psql.Select(articleColumns...).From("articles").Where(where).ToSql()
	if err != nil {
		return aggregator.Article{}, fmt.Errorf("build query: %w", err)
	}
	a, err := scanArticle(s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return aggregator.Article{}, fmt.Errorf("article %s: %w", key, aggregator.ErrNotFound)
	}
	return a, err
}

// ListArticlesByPublishDate returns a window ordered by publish date ascending.
func (s *Store) ListArticlesByPublishDate(ctx context.Context, page aggregator.Page) ([]aggregator.Article, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	return s.queryArticles(ctx, psql.Select(articleColumns...).From("articles").
		OrderBy("publish_date ASC", "id ASC").
		Limit(uint64(limit)).
		Offset(uint64(max(page.Offset, 0))))
}

// ListSourceArticles returns every article belonging to a source.
func (s *Store) ListSourceArticles(ctx context.Context, sourceID string) ([]aggregator.Article, error) {
	return s.queryArticles(ctx, psql.Select(articleColumns...).From("articles").Where(sq.Eq{"source_id": sourceID}))
}

// IncrementArticleCrawlError adds delta in place and returns the new value.
func (s *Store) IncrementArticleCrawlError(ctx context.Context, id string, delta int64) (int64, error) {
	sqlStr, args, err := psql.Update("articles").
		Set("crawl_error", sq.Expr("crawl_error + ?", delta)).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING crawl_error").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int64
	err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("article %s: %w", id, aggregator.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment article crawl error: %w", err)
	}
	return n, nil
}

// DeleteArticle removes an article permanently.
func (s *Store) DeleteArticle(ctx context.Context, id string) error {
	res, err := s.exec(ctx, psql.Delete("articles").Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("delete article: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("article %s: %w", id, aggregator.ErrNotFound)
	}
	return nil
}

// CountArticles counts the articles matching filter.
func (s *Store) CountArticles(ctx context.Context, filter aggregator.ArticleFilter) (int64, error) {
	query := psql.Select("COUNT(*)").From("articles")
	if filter.SourceID != "" {
		query = query.Where(sq.Eq{"source_id": filter.SourceID})
	}
	if filter.MinCrawlError > 0 {
		query = query.Where(sq.GtOrEq{"crawl_error": filter.MinCrawlError})
	}
	return s.count(ctx, query)
}

// SampleArticles returns up to n random unblocked articles.
func (s *Store) SampleArticles(ctx context.Context, n int) ([]aggregator.Article, error) {
	return s.queryArticles(ctx, psql.Select(articleColumns...).From("articles").
		Where(sq.Eq{"is_blocked": false}).
		OrderBy("RANDOM()").
		Limit(uint64(max(n, 0))))
}

func (s *Store) queryArticles(ctx context.Context, query sq.SelectBuilder) ([]aggregator.Article, error) {
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
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
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return out, nil
}

// AppendSnapshot inserts a snapshot row. Snapshots are never updated.
func (s *Store) AppendSnapshot(ctx context.Context, snapshot aggregator.StatisticSnapshot) error {
	query := psql.Insert("statistics").Columns(statisticColumns...).Values(
		snapshot.ID, snapshot.Date.UnixNano(), snapshot.WebsiteCount, snapshot.ArticleCount,
		snapshot.InaccessibleArticleCount,
	)
	if _, err := s.exec(ctx, query); err != nil {
		return fmt.Errorf("insert statistic: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot.
func (s *Store) LatestSnapshot(ctx context.Context) (aggregator.StatisticSnapshot, error) {
	snaps, err := s.ListSnapshots(ctx, 1)
	if err != nil {
		return aggregator.StatisticSnapshot{}, err
	}
	if len(snaps) == 0 {
		return aggregator.StatisticSnapshot{}, fmt.Errorf("statistic snapshot: %w", aggregator.ErrNotFound)
	}
	return snaps[0], nil
}

// ListSnapshots returns up to limit snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]aggregator.StatisticSnapshot, error) {
	query := psql.Select(statisticColumns...).From("statistics").OrderBy("date DESC", "id DESC")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list statistics: %w", err)
	}
	defer rows.Close()

	var out []aggregator.StatisticSnapshot
	for rows.Next() {
		var (
			snap aggregator.StatisticSnapshot
			date int64
		)
		if err := rows.Scan(&snap.ID, &date, &snap.WebsiteCount, &snap.ArticleCount, &snap.InaccessibleArticleCount); err != nil {
			return nil, fmt.Errorf("scan statistic: %w", err)
		}
		snap.Date = time.Unix(0, date).UTC()
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statistics: %w", err)
	}
	return out, nil
}

type sqlizer interface {
	ToSql() (string, []any, error)
}

func (s *Store) exec(ctx context.Context, query sqlizer) (sql.Result, error) {
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return res, nil
}

func (s *Store) count(ctx context.Context, query sq.SelectBuilder) (int64, error) {
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (aggregator.Source, error) {
	var (
		src         aggregator.Source
		lastPublish sql.NullInt64
		lastCrawl   sql.NullInt64
		categories  string
		created     int64
	)
	err := row.Scan(
		&src.ID, &src.URL, &src.Name, &src.RSS, &src.Description, &src.Cover,
		&src.ArticleCount, &src.PageView, &src.CrawlError,
		&lastPublish, &lastCrawl, &categories, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return aggregator.Source{}, err
		}
		return aggregator.Source{}, fmt.Errorf("scan source: %w", err)
	}
	src.LastPublish = fromNullable(lastPublish)
	src.LastCrawl = fromNullable(lastCrawl)
	src.CreatedAt = time.Unix(0, created).UTC()
	if categories != "" {
		if err := json.Unmarshal([]byte(categories), &src.Categories); err != nil {
			return aggregator.Source{}, fmt.Errorf("decode categories: %w", err)
		}
	}
	return src, nil
}

func scanArticle(row rowScanner) (aggregator.Article, error) {
	var (
		a        aggregator.Article
		publish  int64
		content  sql.NullString
		abstract sql.NullString
		tags     string
		topic    sql.NullString
		cover    sql.NullString
		created  int64
	)
	err := row.Scan(
		&a.ID, &a.URL, &a.SourceID, &a.SourceURL, &a.Author, &a.Title, &a.Description, &publish,
		&content, &abstract, &tags, &topic, &cover, &a.PageView, &a.IsFeatured, &a.IsBlocked,
		&a.CrawlError, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return aggregator.Article{}, err
		}
		return aggregator.Article{}, fmt.Errorf("scan article: %w", err)
	}
	a.PublishDate = time.Unix(0, publish).UTC()
	a.CreatedAt = time.Unix(0, created).UTC()
	a.Content = fromNullString(content)
	a.Abstract = fromNullString(abstract)
	a.Topic = fromNullString(topic)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
			return aggregator.Article{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	if cover.Valid && cover.String != "" {
		if err := json.Unmarshal([]byte(cover.String), &a.Cover); err != nil {
			return aggregator.Article{}, fmt.Errorf("decode cover: %w", err)
		}
	}
	return a, nil
}

func encodeJSON[T any](v T, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

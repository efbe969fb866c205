// Package postgres provides the Postgres-backed source registry, article
// store and statistic log.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

type scanner interface {
	Scan(dest ...any) error
}

// Schema creates the tables used by Store. Article and source URLs carry
// unique constraints; they are the dedup backstop for concurrent ingestion.
const Schema = `
CREATE TABLE IF NOT EXISTS sources (
	id            TEXT PRIMARY KEY,
	url           TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	rss           TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	cover         TEXT NOT NULL DEFAULT '',
	article_count BIGINT NOT NULL DEFAULT 0,
	page_view     BIGINT NOT NULL DEFAULT 0,
	crawl_error   BIGINT NOT NULL DEFAULT 0,
	last_publish  TIMESTAMPTZ,
	last_crawl    TIMESTAMPTZ,
	categories    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS articles (
	id           TEXT PRIMARY KEY,
	url          TEXT NOT NULL UNIQUE,
	source_id    TEXT NOT NULL,
	source_url   TEXT NOT NULL DEFAULT '',
	author       TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	publish_date TIMESTAMPTZ NOT NULL,
	content      TEXT,
	abstract     TEXT,
	tags         JSONB NOT NULL DEFAULT '[]'::jsonb,
	topic        TEXT,
	cover        JSONB,
	page_view    BIGINT NOT NULL DEFAULT 0,
	is_featured  BOOLEAN NOT NULL DEFAULT FALSE,
	is_blocked   BOOLEAN NOT NULL DEFAULT FALSE,
	crawl_error  BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS articles_publish_date_idx ON articles (publish_date, id);
CREATE INDEX IF NOT EXISTS articles_source_id_idx ON articles (source_id);
CREATE TABLE IF NOT EXISTS statistics (
	id                   TEXT PRIMARY KEY,
	date                 TIMESTAMPTZ NOT NULL,
	website_count        BIGINT NOT NULL,
	article_count        BIGINT NOT NULL,
	inaccessible_article BIGINT NOT NULL
);
`

// Store implements aggregator.Store on Postgres.
type Store struct {
	pool pgxPool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return data, nil
}

func marshalCategories(m map[string]int) ([]byte, error) {
	if m == nil {
		m = map[string]int{}
	}
	return marshalJSON(m)
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

// AppendSnapshot inserts a snapshot row. Snapshots are never updated.
func (s *Store) AppendSnapshot(ctx context.Context, snapshot aggregator.StatisticSnapshot) error {
	query := `
INSERT INTO statistics (id, date, website_count, article_count, inaccessible_article)
VALUES ($1,$2,$3,$4,$5)`
	if _, err := s.pool.Exec(ctx, query,
		snapshot.ID,
		snapshot.Date,
		snapshot.WebsiteCount,
		snapshot.ArticleCount,
		snapshot.InaccessibleArticleCount,
	); err != nil {
		return fmt.Errorf("insert statistic: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot.
func (s *Store) LatestSnapshot(ctx context.Context) (aggregator.StatisticSnapshot, error) {
	var snap aggregator.StatisticSnapshot
	err := s.pool.QueryRow(ctx, `
SELECT id, date, website_count, article_count, inaccessible_article
FROM statistics ORDER BY date DESC LIMIT 1`).Scan(
		&snap.ID, &snap.Date, &snap.WebsiteCount, &snap.ArticleCount, &snap.InaccessibleArticleCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return aggregator.StatisticSnapshot{}, fmt.Errorf("statistic snapshot: %w", aggregator.ErrNotFound)
	}
	if err != nil {
		return aggregator.StatisticSnapshot{}, fmt.Errorf("latest statistic: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns up to limit snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]aggregator.StatisticSnapshot, error) {
	if limit <= 0 {
		limit = 365
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, date, website_count, article_count, inaccessible_article
FROM statistics ORDER BY date DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list statistics: %w", err)
	}
	defer rows.Close()

	var out []aggregator.StatisticSnapshot
	for rows.Next() {
		var snap aggregator.StatisticSnapshot
		if err := rows.Scan(
			&snap.ID, &snap.Date, &snap.WebsiteCount, &snap.ArticleCount, &snap.InaccessibleArticleCount,
		); err != nil {
			return nil, fmt.Errorf("scan statistic: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statistics: %w", err)
	}
	return out, nil
}

package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sources").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateArticleInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	content := "<p>hello</p>"
	article := aggregator.Article{
		ID:          "a1",
		URL:         "https://blog.test/post",
		SourceID:    "s1",
		SourceURL:   "https://blog.test",
		Author:      "Blog",
		Title:       "Post",
		PublishDate: now,
		Content:     &content,
		Tags:        []string{"go"},
		Cover:       aggregator.CoverSet{"jpg": "https://cdn.test/1.jpg"},
		CreatedAt:   now,
	}

	mock.ExpectExec("INSERT INTO articles").
		WithArgs(
			"a1", "https://blog.test/post", "s1", "https://blog.test", "Blog", "Post", "", now,
			&content, (*string)(nil), []byte(`["go"]`), (*string)(nil),
			[]byte(`{"jpg":"https://cdn.test/1.jpg"}`),
			int64(0), false, false, int64(0), now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateArticle(context.Background(), article))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateArticleConflictIsDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("ON CONFLICT \\(url\\) DO NOTHING").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := store.CreateArticle(context.Background(), aggregator.Article{ID: "a2", URL: "https://blog.test/post"})
	require.ErrorIs(t, err, aggregator.ErrDuplicateArticle)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementArticleCrawlErrorReturnsNewValue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE articles SET crawl_error = crawl_error + $2")).
		WithArgs("a1", int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"crawl_error"}).AddRow(int64(4)))

	n, err := store.IncrementArticleCrawlError(context.Background(), "a1", 1)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementArticleCrawlErrorMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE articles").
		WithArgs("missing", int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"crawl_error"}))

	_, err := store.IncrementArticleCrawlError(context.Background(), "missing", 1)
	require.ErrorIs(t, err, aggregator.ErrNotFound)
}

func TestIncrementSourceCrawlErrorIsAdditive(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("SET crawl_error = crawl_error + $2")).
		WithArgs("s1", int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE sources").
		WithArgs("ghost", int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.IncrementSourceCrawlError(context.Background(), "s1", 1))
	err := store.IncrementSourceCrawlError(context.Background(), "ghost", 1)
	require.ErrorIs(t, err, aggregator.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountArticlesWithCrawlErrorFilter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM articles WHERE crawl_error >= $1")).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := store.CountArticles(context.Background(), aggregator.ArticleFilter{MinCrawlError: 1})
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceByURLScansRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1690000000, 0).UTC()
	lastPublish := created.Add(time.Hour)
	lastCrawl := created.Add(2 * time.Hour)
	mock.ExpectQuery("FROM sources WHERE url = \\$1").
		WithArgs("https://blog.test").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "url", "name", "rss", "description", "cover", "article_count", "page_view",
			"crawl_error", "last_publish", "last_crawl", "categories", "created_at",
		}).AddRow(
			"s1", "https://blog.test", "Blog", "https://blog.test/feed", "", "", int64(3), int64(10),
			int64(2), &lastPublish, &lastCrawl, []byte(`{"tech":3}`), created,
		))

	src, err := store.GetSourceByURL(context.Background(), "https://blog.test")
	require.NoError(t, err)
	require.Equal(t, "s1", src.ID)
	require.EqualValues(t, 2, src.CrawlError)
	require.Equal(t, map[string]int{"tech": 3}, src.Categories)
	require.True(t, src.LastPublish.Equal(lastPublish))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecomputeSourceAggregatesUsesGroupedQuery(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	older := time.Unix(1690000000, 0).UTC()
	newer := older.Add(48 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY bucket")).
		WithArgs("s1", aggregator.UncategorizedTopic).
		WillReturnRows(pgxmock.NewRows([]string{"bucket", "count", "sum", "max"}).
			AddRow("tech", int64(3), int64(40), &older).
			AddRow(aggregator.UncategorizedTopic, int64(2), int64(5), &newer))
	mock.ExpectExec("UPDATE sources SET").
		WithArgs("s1", int64(5), int64(45), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	agg, err := aggregator.RecomputeSourceAggregates(context.Background(), store, store, "s1")
	require.NoError(t, err)
	require.EqualValues(t, 5, agg.ArticleCount)
	require.EqualValues(t, 45, agg.PageView)
	require.Equal(t, map[string]int{"tech": 3, aggregator.UncategorizedTopic: 2}, agg.Categories)
	require.True(t, agg.LastPublish.Equal(newer))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAndLatestSnapshot(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	date := time.Unix(1700000000, 0).UTC()
	snap := aggregator.StatisticSnapshot{ID: "st1", Date: date, WebsiteCount: 5, ArticleCount: 120, InaccessibleArticleCount: 4}

	mock.ExpectExec("INSERT INTO statistics").
		WithArgs("st1", date, int64(5), int64(120), int64(4)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("FROM statistics ORDER BY date DESC LIMIT 1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "date", "website_count", "article_count", "inaccessible_article"}).
			AddRow("st1", date, int64(5), int64(120), int64(4)))

	require.NoError(t, store.AppendSnapshot(context.Background(), snap))
	got, err := store.LatestSnapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, snap, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

package stats

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/clock/system"
	"github.com/JakeFAU/blogroll-crawler/internal/id/uuid"
	"github.com/JakeFAU/blogroll-crawler/internal/storage/memory"
)

func TestRunCountsStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	for i := range 5 {
		require.NoError(t, store.CreateSource(ctx, aggregator.Source{
			ID:  fmt.Sprintf("s%d", i),
			URL: fmt.Sprintf("https://blog%d.example", i),
		}))
	}
	for i := range 120 {
		var crawlError int64
		if i < 4 {
			crawlError = int64(i + 1)
		}
		require.NoError(t, store.CreateArticle(ctx, aggregator.Article{
			ID:         fmt.Sprintf("a%03d", i),
			URL:        fmt.Sprintf("https://blog.example/%03d", i),
			CrawlError: crawlError,
		}))
	}
	now := time.Date(2024, 6, 1, 17, 0, 0, 0, time.UTC)
	snap := New(store, store, store, uuid.New(), system.NewFixed(now), nil)

	got, err := snap.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5, got.WebsiteCount)
	require.EqualValues(t, 120, got.ArticleCount)
	require.EqualValues(t, 4, got.InaccessibleArticleCount)
	require.True(t, got.Date.Equal(now))
	require.NotEmpty(t, got.ID)

	latest, err := snap.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, got.ID, latest.ID)
}

func TestRunAppendsOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	clock := system.NewFixed(time.Date(2024, 6, 1, 17, 0, 0, 0, time.UTC))
	snap := New(store, store, store, uuid.New(), clock, nil)

	first, err := snap.Run(ctx)
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	second, err := snap.Run(ctx)
	require.NoError(t, err)

	history, err := snap.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, second.ID, history[0].ID)
	require.Equal(t, first.ID, history[1].ID)
}

func TestLatestWithoutSnapshots(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	snap := New(store, store, store, uuid.New(), system.New(), nil)
	_, err := snap.Latest(context.Background())
	require.True(t, errors.Is(err, aggregator.ErrNotFound))
}

type failingCounter struct {
	*memory.Store
}

func (failingCounter) CountSources(context.Context) (int64, error) {
	return 0, errors.New("db down")
}

func TestRunPropagatesStoreErrors(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	snap := New(failingCounter{store}, store, store, uuid.New(), system.New(), nil)
	_, err := snap.Run(context.Background())
	require.Error(t, err)

	history, err := snap.History(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

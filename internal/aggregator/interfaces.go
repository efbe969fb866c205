package aggregator

import (
	"context"
	"time"
)

// SourceStore persists the source registry. Counter mutations are atomic
// increments, never read-modify-write.
type SourceStore interface {
	CreateSource(ctx context.Context, source Source) error
	GetSource(ctx context.Context, id string) (Source, error)
	GetSourceByURL(ctx context.Context, url string) (Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	UpdateSourceMetadata(ctx context.Context, id string, meta SourceMetadata) error
	TouchSourceCrawl(ctx context.Context, id string, at time.Time) error
	IncrementSourceCrawlError(ctx context.Context, id string, delta int64) error
	ResetSourceCrawlError(ctx context.Context, id string) error
	SetSourceAggregates(ctx context.Context, id string, agg SourceAggregates) error
	CountSources(ctx context.Context) (int64, error)
}

// ArticleStore persists articles. CreateArticle must return
// ErrDuplicateArticle when the URL already exists.
type ArticleStore interface {
	CreateArticle(ctx context.Context, article Article) error
	GetArticle(ctx context.Context, id string) (Article, error)
	GetArticleByURL(ctx context.Context, url string) (Article, error)
	ListArticlesByPublishDate(ctx context.Context, page Page) ([]Article, error)
	ListSourceArticles(ctx context.Context, sourceID string) ([]Article, error)
	IncrementArticleCrawlError(ctx context.Context, id string, delta int64) (int64, error)
	DeleteArticle(ctx context.Context, id string) error
	CountArticles(ctx context.Context, filter ArticleFilter) (int64, error)
	SampleArticles(ctx context.Context, n int) ([]Article, error)
}

// SourceAggregateReader is implemented by stores that can compute a source's
// aggregates without loading its articles.
type SourceAggregateReader interface {
	AggregateSourceArticles(ctx context.Context, sourceID string) (SourceAggregates, error)
}

// StatisticStore is the append-only snapshot log.
type StatisticStore interface {
	AppendSnapshot(ctx context.Context, snapshot StatisticSnapshot) error
	LatestSnapshot(ctx context.Context) (StatisticSnapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]StatisticSnapshot, error)
}

// Store bundles every persistence contract a backend provides.
type Store interface {
	SourceStore
	ArticleStore
	StatisticStore
}

// FeedFetcher retrieves the newest-first entries of one feed.
type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL string) ([]FeedEntry, error)
}

// ContentExtractor reads an article page. It never fails; exhaustion yields a
// degraded Extraction.
type ContentExtractor interface {
	Extract(ctx context.Context, articleURL, host, fallbackDescription string) Extraction
}

// TextAnalyzer is the external summarization/classification service.
type TextAnalyzer interface {
	Analyze(ctx context.Context, title, content string) (Analysis, error)
}

// Enricher derives abstract, tags and topic from article text.
type Enricher interface {
	Enrich(ctx context.Context, title, text string) Enrichment
}

// ImageProcessor turns a cover candidate into stored delivery variants.
type ImageProcessor interface {
	Process(ctx context.Context, imageURL, sourceURL string) CoverSet
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// LivenessProbe checks that an article URL is still reachable.
type LivenessProbe interface {
	Check(ctx context.Context, url string) error
}

// PageFetcher fetches a URL and returns the body plus metadata.
type PageFetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Publisher pushes article events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

package aggregator

import "time"

// Source is a registered blog whose feed is crawled on every ingestion cycle.
type Source struct {
	ID           string         `json:"id"`
	URL          string         `json:"url"`
	Name         string         `json:"name"`
	RSS          string         `json:"rss,omitempty"`
	Description  string         `json:"description,omitempty"`
	Cover        string         `json:"cover,omitempty"`
	ArticleCount int64          `json:"article_count"`
	PageView     int64          `json:"page_view"`
	CrawlError   int64          `json:"crawl_error"`
	LastPublish  *time.Time     `json:"last_publish,omitempty"`
	LastCrawl    *time.Time     `json:"last_crawl,omitempty"`
	Categories   map[string]int `json:"categories,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SourceMetadata is the descriptive part of a Source discovered from its homepage.
type SourceMetadata struct {
	Name        string `json:"name,omitempty"`
	RSS         string `json:"rss,omitempty"`
	Description string `json:"description,omitempty"`
	Cover       string `json:"cover,omitempty"`
}

// SourceAggregates are the values recomputed from a Source's articles after
// every ingestion pass.
type SourceAggregates struct {
	ArticleCount int64
	PageView     int64
	Categories   map[string]int
	LastPublish  *time.Time
}

// CoverSet maps a delivery format ("jpg", "png") to the URL of that variant.
// A nil CoverSet means the article has no cover.
type CoverSet map[string]string

// Article is one ingested post. URL is the dedup key.
type Article struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	SourceID    string    `json:"source_id"`
	SourceURL   string    `json:"source_url"`
	Author      string    `json:"author"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	PublishDate time.Time `json:"publish_date"`
	Content     *string   `json:"content"`
	Abstract    *string   `json:"abstract"`
	Tags        []string  `json:"tags"`
	Topic       *string   `json:"topic"`
	Cover       CoverSet  `json:"cover"`
	PageView    int64     `json:"page_view"`
	IsFeatured  bool      `json:"is_featured"`
	IsBlocked   bool      `json:"is_blocked"`
	CrawlError  int64     `json:"crawl_error"`
	CreatedAt   time.Time `json:"created_at"`
}

// StatisticSnapshot is an append-only daily aggregate record.
type StatisticSnapshot struct {
	ID                       string    `json:"id"`
	Date                     time.Time `json:"date"`
	WebsiteCount             int64     `json:"website_count"`
	ArticleCount             int64     `json:"article_count"`
	InaccessibleArticleCount int64     `json:"inaccessible_article"`
}

// FeedEntry is one normalized item of a syndication feed.
type FeedEntry struct {
	Link        string    `json:"link"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Published   time.Time `json:"published"`
}

// Candidate is a feed entry offered to the article store together with the
// source it came from.
type Candidate struct {
	Source Source
	Entry  FeedEntry
}

// AddStatus is the outcome of offering a Candidate to the article store.
type AddStatus string

// Add outcomes.
const (
	StatusOK     AddStatus = "OK"
	StatusExists AddStatus = "EXIST"
)

// AddResult is returned by the article store's AddArticle operation.
type AddResult struct {
	Status  AddStatus `json:"status"`
	Article *Article  `json:"article,omitempty"`
}

// Extraction is the result of reading an article's live page. Content is nil
// when extraction was degraded.
type Extraction struct {
	Title    string
	Content  *string
	Text     string
	ImageURL string
}

// Degraded reports whether the page could not be read.
func (e Extraction) Degraded() bool {
	return e.Content == nil
}

// Analysis is the raw answer of a text-analysis service.
type Analysis struct {
	Abstract string   `json:"abstract"`
	Tags     []string `json:"tags"`
	Topic    string   `json:"category"`
}

// Enrichment holds the derived article fields. Every field is nil when the
// analysis was unavailable.
type Enrichment struct {
	Abstract *string
	Tags     []string
	Topic    *string
}

// ArticleFilter narrows article counts.
type ArticleFilter struct {
	SourceID      string
	MinCrawlError int64
}

// Page describes a paginated window.
type Page struct {
	Offset int
	Limit  int
}

// FetchRequest captures everything needed to fetch a page.
type FetchRequest struct {
	URL     string
	Headers map[string]string
}

// FetchResponse is the result returned by a PageFetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	ContentType  string
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ArticleEvent is published when a new article has been stored.
type ArticleEvent struct {
	ArticleID   string    `json:"article_id"`
	URL         string    `json:"url"`
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	Topic       string    `json:"topic,omitempty"`
	PublishDate time.Time `json:"publish_date"`
	Degraded    bool      `json:"degraded"`
}

// Package feed fetches and normalizes RSS, Atom and JSON feeds.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

// Config controls feed retrieval.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxEntries     int
	MaxBytes       int64
	FallbackOffset time.Duration
}

// Fetcher implements aggregator.FeedFetcher.
type Fetcher struct {
	cfg    Config
	client *http.Client
	clock  aggregator.Clock
	logger *zap.Logger
}

// New builds a Fetcher. A nil client gets one bound to cfg.Timeout.
func New(cfg Config, client *http.Client, clock aggregator.Clock, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 30
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.FallbackOffset < 0 {
		cfg.FallbackOffset = 0
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, client: client, clock: clock, logger: logger.Named("feed")}
}

// Fetch downloads feedURL and returns at most MaxEntries entries, newest first.
// Fetch or parse failures wrap aggregator.ErrSourceUnreachable.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) ([]aggregator.FeedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	base, err := url.Parse(feedURL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url %q: %w", feedURL, aggregator.ErrSourceUnreachable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w: %w", feedURL, aggregator.ErrSourceUnreachable, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close feed body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch feed %s: status %d: %w", feedURL, resp.StatusCode, aggregator.ErrSourceUnreachable)
	}

	parsed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, f.cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w: %w", feedURL, aggregator.ErrSourceUnreachable, err)
	}
	return f.normalize(base, parsed.Items), nil
}

func (f *Fetcher) normalize(base *url.URL, items []*gofeed.Item) []aggregator.FeedEntry {
	now := f.now()
	entries := make([]aggregator.FeedEntry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		link := resolveLink(base, item.Link)
		if link == "" {
			continue
		}
		published := item.PublishedParsed
		if published == nil {
			published = item.UpdatedParsed
		}
		description := strings.TrimSpace(item.Description)
		if description == "" {
			description = strings.TrimSpace(item.Content)
		}
		entries = append(entries, aggregator.FeedEntry{
			Link:        link,
			Title:       strings.TrimSpace(item.Title),
			Description: description,
			Published:   NormalizeDate(published, now, f.cfg.FallbackOffset),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Published.After(entries[j].Published)
	})
	if len(entries) > f.cfg.MaxEntries {
		entries = entries[:f.cfg.MaxEntries]
	}
	return entries
}

func (f *Fetcher) now() time.Time {
	if f.clock != nil {
		return f.clock.Now().UTC()
	}
	return time.Now().UTC()
}

// NormalizeDate returns published in UTC, or now minus offset when published
// is missing, zero or later than now. The result is never in the future.
func NormalizeDate(published *time.Time, now time.Time, offset time.Duration) time.Time {
	if published == nil || published.IsZero() || published.After(now) {
		return now.Add(-offset).UTC()
	}
	return published.UTC()
}

func resolveLink(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base != nil && !ref.IsAbs() {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	return ref.String()
}

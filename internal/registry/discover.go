// Package registry registers blogs as crawl sources, discovering their feed
// and metadata from the homepage.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var feedTypes = []string{
	"application/rss+xml",
	"application/atom+xml",
	"application/feed+json",
	"application/json",
}

// Discoverer reads source metadata from a blog homepage.
type Discoverer struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	maxBytes  int64
}

// NewDiscoverer builds a Discoverer.
func NewDiscoverer(client *http.Client, userAgent string, timeout time.Duration) *Discoverer {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Discoverer{client: client, userAgent: userAgent, timeout: timeout, maxBytes: 4 << 20}
}

// Metadata is what the homepage advertises about itself.
type Metadata struct {
	Name        string
	Description string
	RSS         string
	Favicon     string
}

// Discover fetches homepage and reads its title, description, feed link and
// favicon. Relative links are resolved against the final page URL.
func (d *Discoverer) Discover(ctx context.Context, homepage string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, homepage, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("build request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("fetch homepage: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Metadata{}, fmt.Errorf("fetch homepage: status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, d.maxBytes))
	if err != nil {
		return Metadata{}, fmt.Errorf("parse homepage: %w", err)
	}
	return ParseMetadata(doc, resp.Request.URL), nil
}

// ParseMetadata extracts Metadata from a parsed homepage.
func ParseMetadata(doc *goquery.Document, base *url.URL) Metadata {
	meta := Metadata{
		Name: strings.TrimSpace(doc.Find("head title").First().Text()),
	}
	if name, ok := doc.Find(`meta[property="og:site_name"]`).Attr("content"); ok && strings.TrimSpace(name) != "" {
		meta.Name = strings.TrimSpace(name)
	}

	for _, sel := range []string{`meta[name="description"]`, `meta[property="og:description"]`} {
		if desc, ok := doc.Find(sel).Attr("content"); ok && strings.TrimSpace(desc) != "" {
			meta.Description = strings.TrimSpace(desc)
			break
		}
	}

	doc.Find(`link[rel="alternate"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		typ := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || !isFeedType(typ) {
			return true
		}
		meta.RSS = resolve(base, href)
		return false
	})

	doc.Find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, rel := range strings.Fields(strings.ToLower(s.AttrOr("rel", ""))) {
			if rel == "icon" || rel == "apple-touch-icon" {
				if href := strings.TrimSpace(s.AttrOr("href", "")); href != "" {
					meta.Favicon = resolve(base, href)
					return false
				}
			}
		}
		return true
	})
	if meta.Favicon == "" && base != nil {
		meta.Favicon = resolve(base, "/favicon.ico")
	}
	return meta
}

func isFeedType(typ string) bool {
	for _, t := range feedTypes {
		if typ == t {
			return true
		}
	}
	return false
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

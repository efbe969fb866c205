// Package extractor reads the live page of an article and pulls out its
// readable content, plain text and lead image.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/markusmobius/go-trafilatura"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/metrics"
)

// Strategy names a content extraction algorithm.
type Strategy string

// Supported strategies.
const (
	StrategyReadability Strategy = "readability"
	StrategyTrafilatura Strategy = "trafilatura"
)

var errNoContent = errors.New("no readable content")

// Config controls extraction.
type Config struct {
	Strategy       Strategy
	MaxAttempts    int
	MinDelay       time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	// MinTextLength below which a static page is re-fetched headless.
	MinTextLength int
}

type waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Extractor implements aggregator.ContentExtractor.
type Extractor struct {
	cfg      Config
	static   aggregator.PageFetcher
	headless aggregator.PageFetcher
	limiter  waiter
	policy   aggregator.RetryPolicy
	logger   *zap.Logger
}

// New builds an Extractor. headless and limiter may be nil.
func New(cfg Config, static, headless aggregator.PageFetcher, limiter waiter, logger *zap.Logger) (*Extractor, error) {
	if static == nil {
		return nil, fmt.Errorf("page fetcher is required")
	}
	switch cfg.Strategy {
	case "":
		cfg.Strategy = StrategyReadability
	case StrategyReadability, StrategyTrafilatura:
	default:
		return nil, fmt.Errorf("unknown extraction strategy %q", cfg.Strategy)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = 200
	}
	policy := aggregator.NewJitterRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.MinDelay > 0 || cfg.MaxDelay > 0 {
		policy.MinDelay = cfg.MinDelay
		policy.MaxDelay = cfg.MaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		cfg:      cfg,
		static:   static,
		headless: headless,
		limiter:  limiter,
		policy:   policy,
		logger:   logger.Named("extractor"),
	}, nil
}

// WithRetryPolicy replaces the retry policy (tests use a zero-delay one).
func (e *Extractor) WithRetryPolicy(p aggregator.RetryPolicy) *Extractor {
	e.policy = p
	return e
}

// Extract reads articleURL. It never returns an error: when every attempt
// fails the result is degraded (nil Content).
func (e *Extractor) Extract(ctx context.Context, articleURL, host, fallbackDescription string) aggregator.Extraction {
	pageURL, err := url.Parse(articleURL)
	if err != nil {
		e.logger.Warn("unparsable article url", zap.String("url", articleURL), zap.Error(err))
		metrics.ObserveExtractionDegraded()
		return aggregator.Extraction{}
	}

	var result aggregator.Extraction
	err = e.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		extraction, err := e.attempt(ctx, pageURL, host)
		if err != nil {
			metrics.ObserveExtractionAttempt("error")
			e.logger.Debug("extraction attempt failed",
				zap.String("url", articleURL),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		metrics.ObserveExtractionAttempt("ok")
		result = extraction
		return nil
	})
	if err != nil {
		metrics.ObserveExtractionDegraded()
		e.logger.Warn("extraction degraded",
			zap.String("url", articleURL),
			zap.String("host", host),
			zap.Error(fmt.Errorf("%w: %w", aggregator.ErrExtractionDegraded, err)))
		return aggregator.Extraction{}
	}
	if strings.TrimSpace(result.Text) == "" {
		result.Text = fallbackDescription
	}
	return result
}

func (e *Extractor) attempt(ctx context.Context, pageURL *url.URL, host string) (aggregator.Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, pageURL.String()); err != nil {
			return aggregator.Extraction{}, fmt.Errorf("wait for %s: %w", host, err)
		}
	}
	request := aggregator.FetchRequest{URL: pageURL.String()}
	extraction, staticErr := e.fetchAndParse(ctx, e.static, request, pageURL)
	if staticErr == nil && len([]rune(extraction.Text)) >= e.cfg.MinTextLength {
		return extraction, nil
	}
	if e.headless == nil {
		if staticErr != nil {
			return aggregator.Extraction{}, staticErr
		}
		return extraction, nil
	}

	rendered, err := e.fetchAndParse(ctx, e.headless, request, pageURL)
	if err != nil {
		if staticErr == nil {
			return extraction, nil
		}
		return aggregator.Extraction{}, fmt.Errorf("headless: %w", errors.Join(staticErr, err))
	}
	return rendered, nil
}

func (e *Extractor) fetchAndParse(
	ctx context.Context,
	fetcher aggregator.PageFetcher,
	request aggregator.FetchRequest,
	pageURL *url.URL,
) (aggregator.Extraction, error) {
	resp, err := fetcher.Fetch(ctx, request)
	if err != nil {
		return aggregator.Extraction{}, fmt.Errorf("fetch page: %w", err)
	}
	if resp.StatusCode >= 400 {
		return aggregator.Extraction{}, fmt.Errorf("fetch page: status %d", resp.StatusCode)
	}
	if resp.URL != "" {
		if final, err := url.Parse(resp.URL); err == nil {
			pageURL = final
		}
	}
	return Parse(e.cfg.Strategy, resp.Body, pageURL)
}

// Parse extracts content from an HTML document with the given strategy.
func Parse(strategy Strategy, body []byte, pageURL *url.URL) (aggregator.Extraction, error) {
	var (
		title, content, image string
	)
	switch strategy {
	case StrategyTrafilatura:
		res, err := trafilatura.Extract(bytes.NewReader(body), trafilatura.Options{OriginalURL: pageURL})
		if err != nil {
			return aggregator.Extraction{}, fmt.Errorf("trafilatura: %w", err)
		}
		if res == nil || res.ContentNode == nil {
			return aggregator.Extraction{}, errNoContent
		}
		var buf bytes.Buffer
		if err := html.Render(&buf, res.ContentNode); err != nil {
			return aggregator.Extraction{}, fmt.Errorf("render content: %w", err)
		}
		title, content, image = res.Metadata.Title, buf.String(), res.Metadata.Image
	default:
		article, err := readability.FromReader(bytes.NewReader(body), pageURL)
		if err != nil {
			return aggregator.Extraction{}, fmt.Errorf("readability: %w", err)
		}
		title, content, image = article.Title, article.Content, article.Image
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return aggregator.Extraction{}, errNoContent
	}
	text, err := PlainText(content)
	if err != nil {
		return aggregator.Extraction{}, err
	}
	if strings.TrimSpace(image) == "" {
		image = MetaImage(body)
	}
	return aggregator.Extraction{
		Title:    strings.TrimSpace(title),
		Content:  &content,
		Text:     text,
		ImageURL: resolveImage(pageURL, image),
	}, nil
}

// PlainText strips markup from an HTML fragment and collapses whitespace.
func PlainText(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}

// MetaImage returns the page's og:image or twitter:image, if declared.
func MetaImage(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	for _, sel := range []string{`meta[property="og:image"]`, `meta[name="twitter:image"]`, `link[rel="image_src"]`} {
		node := doc.Find(sel).First()
		value := node.AttrOr("content", node.AttrOr("href", ""))
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}

func resolveImage(pageURL *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if pageURL != nil {
		ref = pageURL.ResolveReference(ref)
	}
	return ref.String()
}

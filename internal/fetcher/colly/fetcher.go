// Package collyfetcher fetches static article pages with gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

// Default request headers for article pages. Callers override per request.
var defaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "zh-CN,zh;q=0.9,en;q=0.8",
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements aggregator.PageFetcher. Error statuses are returned as
// responses, not errors, so callers can tell a 404 from a network failure.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		// Many blogs still serve GBK without a charset header.
		colly.DetectCharset(),
	)
	c.WithTransport(newTransport())
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, base: c}
}

// Fetch GETs request.URL.
func (f *Fetcher) Fetch(ctx context.Context, request aggregator.FetchRequest) (aggregator.FetchResponse, error) {
	cb := &capture{headers: request.Headers, start: time.Now()}
	collector := f.base.Clone()
	collector.OnRequest(cb.onRequest)
	collector.OnResponse(cb.onResponse)
	collector.OnError(cb.onError)

	done := make(chan error, 1)
	go func() { done <- collector.Visit(request.URL) }()

	select {
	case <-ctx.Done():
		return aggregator.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctx.Err())
	case err := <-done:
		if err == nil {
			err = cb.err
		}
		if err != nil {
			return aggregator.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
		return cb.resp, nil
	}
}

// capture collects one visit's callbacks.
type capture struct {
	headers map[string]string
	start   time.Time
	resp    aggregator.FetchResponse
	err     error
}

func (c *capture) onRequest(r *colly.Request) {
	for k, v := range defaultHeaders {
		if r.Headers.Get(k) == "" {
			r.Headers.Set(k, v)
		}
	}
	for k, v := range c.headers {
		r.Headers.Set(k, v)
	}
}

func (c *capture) onResponse(r *colly.Response) {
	contentType := ""
	if r.Headers != nil {
		contentType = r.Headers.Get("Content-Type")
	}
	c.resp = aggregator.FetchResponse{
		URL:         r.Request.URL.String(),
		StatusCode:  r.StatusCode,
		ContentType: contentType,
		Body:        append([]byte(nil), r.Body...),
		Duration:    time.Since(c.start),
	}
}

func (c *capture) onError(_ *colly.Response, err error) {
	c.err = err
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Package headless renders script-built blog pages with headless Chrome so
// the extractor sees the final article DOM.
package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

// DefaultReadySelector waits for the first of the usual article containers.
const DefaultReadySelector = "article, main, body"

// blockedMedia keeps renders to markup and scripts.
var blockedMedia = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg",
	"*.woff", "*.woff2", "*.ttf", "*.mp4", "*.webm", "*.mp3",
}

// Config controls the renderer.
type Config struct {
	// MaxParallel caps concurrent tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ReadySelector must be present before the DOM is captured.
	ReadySelector string
	// SettleDelay gives lazy content a moment after ReadySelector appears.
	SettleDelay time.Duration
	// LoadMedia disables the image and font blocklist.
	LoadMedia bool
}

// Fetcher implements aggregator.PageFetcher by driving Chrome via chromedp.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	browser     context.Context
	closeBrowse context.CancelFunc
}

// NewChromedp prepares a browser allocator. Chrome itself starts on the first
// Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ReadySelector == "" {
		cfg.ReadySelector = DefaultReadySelector
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("enable-automation", false),
	)
	f.browser, f.closeBrowse = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.closeBrowse()
}

// Fetch renders request.URL and returns the serialized DOM.
func (f *Fetcher) Fetch(ctx context.Context, request aggregator.FetchRequest) (aggregator.FetchResponse, error) {
	if err := f.takeSlot(ctx); err != nil {
		return aggregator.FetchResponse{}, err
	}
	defer f.returnSlot()

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	var html, location string
	if err := chromedp.Run(tab,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.ReadySelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return aggregator.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	status, contentType, finalURL := doc.resolve(request.URL, location)
	return aggregator.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		ContentType:  contentType,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) prepareTab(headers map[string]string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if !f.cfg.LoadMedia {
			if err := network.SetBlockedURLs(blockedMedia).Do(ctx); err != nil {
				return fmt.Errorf("block media: %w", err)
			}
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			extra := make(network.Headers, len(headers))
			for k, v := range headers {
				extra[k] = v
			}
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) takeSlot(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for render slot: %w", ctx.Err())
	}
}

func (f *Fetcher) returnSlot() {
	if f.slots != nil {
		<-f.slots
	}
}

// documentResponse remembers the main document's response. Sub-resources are
// ignored so a broken image cannot mask a good page.
type documentResponse struct {
	mu          sync.Mutex
	status      int
	contentType string
	url         string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.contentType = resp.Response.MimeType
	d.url = resp.Response.URL
}

// resolve fills gaps left when Chrome emitted no document event, which
// happens for pages served from cache.
func (d *documentResponse) resolve(requestURL, location string) (status int, contentType, finalURL string) {
	d.mu.Lock()
	status, contentType, finalURL = d.status, d.contentType, d.url
	d.mu.Unlock()

	if location != "" {
		finalURL = location
	}
	if finalURL == "" {
		finalURL = requestURL
	}
	if status == 0 {
		status = 200
	}
	if contentType == "" {
		contentType = "text/html"
	}
	return status, contentType, finalURL
}

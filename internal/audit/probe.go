package audit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

type waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// HTTPProbe implements aggregator.LivenessProbe with a HEAD request that
// follows redirects. Servers that refuse HEAD get a GET whose body is not
// read.
type HTTPProbe struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	limiter   waiter
}

// NewHTTPProbe builds a probe. limiter may be nil.
func NewHTTPProbe(client *http.Client, userAgent string, timeout time.Duration, limiter waiter) *HTTPProbe {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProbe{client: client, userAgent: userAgent, timeout: timeout, limiter: limiter}
}

// Check returns nil when url answers with a 2xx status after redirects.
func (p *HTTPProbe) Check(ctx context.Context, url string) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, url); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, err := p.do(ctx, http.MethodHead, url)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = p.do(ctx, http.MethodGet, url)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", aggregator.ErrLivenessFailure, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%w: status %d", aggregator.ErrLivenessFailure, status)
	}
	return nil
}

func (p *HTTPProbe) do(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, url, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

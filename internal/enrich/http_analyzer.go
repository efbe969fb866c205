package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

const maxAnalyzerResponse = 1 << 20

// HTTPAnalyzer posts article text to a worker endpoint that answers with
// {"abstract": ..., "tags": [...], "category": ...}.
type HTTPAnalyzer struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPAnalyzer returns an analyzer for endpoint. The token is sent as a
// bearer credential when non-empty.
func NewHTTPAnalyzer(endpoint, token string, client *http.Client) *HTTPAnalyzer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAnalyzer{endpoint: endpoint, token: token, client: client}
}

// Analyze implements aggregator.TextAnalyzer.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, title, content string) (aggregator.Analysis, error) {
	body := title + "\n" + content
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(body))
	if err != nil {
		return aggregator.Analysis{}, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return aggregator.Analysis{}, fmt.Errorf("analyze request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAnalyzerResponse))
	if err != nil {
		return aggregator.Analysis{}, fmt.Errorf("read analyze response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return aggregator.Analysis{}, fmt.Errorf("analyze endpoint returned %d", resp.StatusCode)
	}
	return decodeAnalysis(raw)
}

// decodeAnalysis accepts either a JSON object or a JSON string holding the
// object, which some worker runtimes emit.
func decodeAnalysis(raw []byte) (aggregator.Analysis, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return aggregator.Analysis{}, errors.New("empty analysis")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return aggregator.Analysis{}, fmt.Errorf("decode wrapped analysis: %w", err)
		}
		raw = []byte(inner)
	}
	var analysis aggregator.Analysis
	if err := json.Unmarshal(raw, &analysis); err != nil {
		return aggregator.Analysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	return analysis, nil
}

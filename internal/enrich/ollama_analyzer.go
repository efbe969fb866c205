package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	ollama "github.com/ollama/ollama/api"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

type generator interface {
	Generate(ctx context.Context, req *ollama.GenerateRequest, fn ollama.GenerateResponseFunc) error
}

// OllamaAnalyzer asks a local model for the abstract, tags and category.
type OllamaAnalyzer struct {
	client generator
	model  string
}

// NewOllamaAnalyzer wraps an ollama client. Pass ollama.ClientFromEnvironment()
// or ollama.NewClient for an explicit host.
func NewOllamaAnalyzer(client generator, model string) *OllamaAnalyzer {
	return &OllamaAnalyzer{client: client, model: model}
}

const ollamaPrompt = `You summarize blog posts. Reply with JSON only, shaped as
{"abstract": "<two or three sentence summary in the post's language>",
 "tags": ["<up to five short keywords>"],
 "category": "<one of: %s>"}

Title: %s

Content:
%s`

// Analyze implements aggregator.TextAnalyzer.
func (a *OllamaAnalyzer) Analyze(ctx context.Context, title, content string) (aggregator.Analysis, error) {
	var sb strings.Builder
	req := &ollama.GenerateRequest{
		Model:  a.model,
		Prompt: fmt.Sprintf(ollamaPrompt, strings.Join(Topics(), ", "), title, content),
		Format: json.RawMessage(`"json"`),
		Options: map[string]interface{}{
			"temperature": 0.2,
		},
	}
	err := a.client.Generate(ctx, req, func(res ollama.GenerateResponse) error {
		sb.WriteString(res.Response)
		return nil
	})
	if err != nil {
		return aggregator.Analysis{}, fmt.Errorf("ollama generate: %w", err)
	}
	answer := strings.TrimSpace(thinkBlock.ReplaceAllString(sb.String(), ""))
	return decodeAnalysis([]byte(answer))
}

// Package anthropicadapter is the optional concrete implementation of
// the capability.Classifier, capability.Summarizer, and
// capability.Reranker interfaces backed by the Anthropic API, in the
// same retry shape as cmd/bd's internal/compact haikuClient wrapper,
// swapped to cenkalti/backoff/v4 instead of a hand-rolled loop.
package anthropicadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/memtree/memengine/internal/capability"
)

// Adapter wraps an Anthropic client and satisfies Classifier, Summarizer,
// and Reranker with a single small, fast model.
type Adapter struct {
	client     anthropic.Client
	model      anthropic.Model
	maxRetries uint64
}

// New constructs an Adapter. apiKey may be empty if ANTHROPIC_API_KEY is
// set in the environment, the same fallback precedence cmd/bd uses.
func New(apiKey string, model string) *Adapter {
	if model == "" {
		model = "claude-haiku-4-5"
	}
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Adapter{
		client:     anthropic.NewClient(opts...),
		model:      anthropic.Model(model),
		maxRetries: 3,
	}
}

var _ capability.Classifier = (*Adapter)(nil)
var _ capability.Summarizer = (*Adapter)(nil)
var _ capability.Reranker = (*Adapter)(nil)

func (a *Adapter) complete(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	var out string
	op := func() error {
		message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     a.model,
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return err
		}
		if len(message.Content) == 0 {
			return backoff.Permanent(fmt.Errorf("anthropic: empty response"))
		}
		block := message.Content[0]
		if block.Type != "text" {
			return backoff.Permanent(fmt.Errorf("anthropic: unexpected content type %q", block.Type))
		}
		out = block.Text
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), a.maxRetries)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}
	return out, nil
}

// Classify asks the model to return one of a short fixed intent label
// set, matching the §4.G intent vocabulary.
func (a *Adapter) Classify(ctx context.Context, text string) (string, error) {
	prompt := fmt.Sprintf(
		"Classify the intent of this query as exactly one word from: lookup, how_to, debug, explore, compare, configure. Respond with only the word.\n\nQuery: %s",
		text,
	)
	resp, err := a.complete(ctx, prompt, 8)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(resp)), nil
}

// Summarize asks the model for a maxWords-bounded summary.
func (a *Adapter) Summarize(ctx context.Context, text string, maxWords int) (string, error) {
	prompt := fmt.Sprintf("Summarize the following in at most %d words, no preamble:\n\n%s", maxWords, text)
	return a.complete(ctx, prompt, 512)
}

// rerankResponse is the strict JSON contract named in §4.F stage 5: an
// array of {id, score} objects, score in [0,1].
type rerankResponse struct {
	EntryID string  `json:"id"`
	Score   float64 `json:"score"`
}

// Rerank scores candidates against query, asking for a strict JSON array
// so the engine can parse scores without free-text extraction.
func (a *Adapter) Rerank(ctx context.Context, query string, candidates []capability.RerankCandidate) ([]capability.RerankResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("Score how relevant each candidate is to the query, on a 0 to 1 scale.\n")
	fmt.Fprintf(&b, "Query: %s\n\nCandidates:\n", query)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%q text=%q\n", c.EntryID, truncate(c.Text, 500))
	}
	b.WriteString("\nRespond with ONLY a JSON array like [{\"id\":\"...\",\"score\":0.8}, ...], one entry per candidate, no other text.")

	resp, err := a.complete(ctx, b.String(), 2048)
	if err != nil {
		return nil, err
	}

	var parsed []rerankResponse
	if err := json.Unmarshal([]byte(extractJSONArray(resp)), &parsed); err != nil {
		return nil, fmt.Errorf("anthropic rerank: parse response: %w", err)
	}

	out := make([]capability.RerankResult, 0, len(parsed))
	for _, p := range parsed {
		out = append(out, capability.RerankResult{EntryID: p.EntryID, Score: p.Score})
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// extractJSONArray trims any leading/trailing prose around a JSON array,
// since models occasionally wrap the array in a sentence despite
// instructions.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

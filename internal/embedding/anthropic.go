package embedding

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
)

// AnthropicEmbedder derives a thematic vector for each URL by asking a
// Claude model to summarize the query path into a short keyword set, then
// TF-IDF-embedding the returned keywords. It exists as an opt-in,
// higher-fidelity alternative to TFIDFEmbedder for deployments with
// thematically ambiguous URL structures; nothing in the default pipeline
// requires it.
type AnthropicEmbedder struct {
	client   anthropic.Client
	model    anthropic.Model
	enabled  bool
	reason   string
	fallback *TFIDFEmbedder
}

// NewAnthropicEmbedder builds an AnthropicEmbedder. When apiKey is empty
// the embedder is registered in a disabled state and Embed falls back to
// plain TF-IDF, so the pipeline never fails to start for lack of a key.
func NewAnthropicEmbedder(apiKey string) *AnthropicEmbedder {
	if apiKey == "" {
		return &AnthropicEmbedder{enabled: false, reason: "ANTHROPIC_API_KEY is not set", fallback: NewTFIDFEmbedder()}
	}
	// The SDK client reads ANTHROPIC_API_KEY from the environment; set it
	// for this process if the config layer resolved the key from elsewhere
	// (a flag or config file rather than the environment itself).
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		_ = os.Setenv("ANTHROPIC_API_KEY", apiKey)
	}
	return &AnthropicEmbedder{
		client:   anthropic.NewClient(),
		model:    anthropic.Model("claude-haiku-4-5"),
		enabled:  true,
		fallback: NewTFIDFEmbedder(),
	}
}

// Name identifies this embedder for reporting.
func (e *AnthropicEmbedder) Name() string { return "anthropic" }

// Enabled reports whether the embedder has a usable API key.
func (e *AnthropicEmbedder) Enabled() bool { return e.enabled }

// DisabledReason explains why the embedder is inactive, empty when enabled.
func (e *AnthropicEmbedder) DisabledReason() string { return e.reason }

// Embed summarizes each URL's query intent with Claude and embeds the
// resulting keyword set via TF-IDF. Falls back to directly embedding the
// raw URLs when disabled.
func (e *AnthropicEmbedder) Embed(ctx context.Context, urls []string) ([]Vector, error) {
	if !e.enabled {
		return e.fallback.Embed(ctx, urls)
	}

	keywords := make([]string, len(urls))
	for i, u := range urls {
		kw, err := e.summarize(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("summarize url %q: %w", u, err)
		}
		keywords[i] = kw
	}
	return e.fallback.Embed(ctx, keywords)
}

func (e *AnthropicEmbedder) summarize(ctx context.Context, url string) (string, error) {
	msg, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: 64,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				fmt.Sprintf("Extract 3-5 topical keywords describing the subject of this URL path, comma separated, no explanation: %s", url),
			)),
		},
	})
	if err != nil {
		return "", err
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text block in response for url %q", url)
}

// Package llm fronts the external completion provider.
//
// The provider itself is opaque; this package only shapes the request,
// applies the per-caller rate limit and cleans up the reply.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrNoAPIKey is returned when neither the request nor the server has a provider key.
var ErrNoAPIKey = errors.New("no provider api key configured")

// Request is one completion call. Zero Model/Temperature/MaxTokens take provider defaults.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Temperature  *float64
	MaxTokens    int
	// APIKey overrides the server key for this call (the caller's own key).
	APIKey string `json:"-"`
}

// Provider performs a completion. Satisfied by *OpenAIProvider.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// StripCodeFence removes a single surrounding ``` fence (with optional
// language tag) from a model reply. Anything else is returned trimmed.
func StripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") || len(text) < 6 {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}

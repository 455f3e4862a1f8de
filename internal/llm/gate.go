package llm

import (
	"context"
	"log/slog"

	"github.com/MGallo-Code/janus/internal/ratelimit"
)

// Gate puts a per-caller Limiter in front of a Provider.
type Gate struct {
	provider Provider
	limiter  ratelimit.Limiter
}

// NewGate returns a Gate.
func NewGate(provider Provider, limiter ratelimit.Limiter) *Gate {
	return &Gate{provider: provider, limiter: limiter}
}

// Complete consults the limiter for callerID and, only if admitted, calls the
// provider. Denial returns ratelimit.ErrRateLimitExceeded.
func (g *Gate) Complete(ctx context.Context, callerID string, req Request) (string, error) {
	if err := g.limiter.Allow(ctx, callerID); err != nil {
		return "", err
	}
	text, err := g.provider.Complete(ctx, req)
	if err != nil {
		slog.WarnContext(ctx, "completion failed", "caller", callerID, "error", err)
		return "", err
	}
	return StripCodeFence(text), nil
}

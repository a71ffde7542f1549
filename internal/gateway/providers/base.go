// Package providers implements the per-vendor LLM adapters behind the
// gateway. Each adapter converts the canonical request into the vendor's
// wire format, retries transient failures once, and normalises responses,
// streaming chunks, and errors back into gateway types.
package providers

import (
	"context"

	"github.com/turnstonelabs/turnstone/internal/backoff"
)

// Base carries the retry behaviour shared by every adapter. Transient
// failures (rate limit, timeout, 5xx) get exactly one more attempt after a
// jittered delay of at least half a second; everything else fails fast.
type Base struct {
	name     string
	attempts int
	policy   backoff.Policy
}

// NewBase creates the shared adapter base for the named provider.
func NewBase(name string) Base {
	return Base{
		name:     name,
		attempts: 2,
		policy:   backoff.LLMPolicy(),
	}
}

// Name returns the provider name used for routing and metrics labels.
func (b *Base) Name() string {
	return b.name
}

// Retry runs op, retrying once when the error classifies as transient.
func (b *Base) Retry(ctx context.Context, op func() error) error {
	return backoff.Retry(ctx, b.policy, b.attempts, IsRetryable, func(int) error {
		return op()
	})
}

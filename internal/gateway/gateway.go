// Package gateway provides the model gateway used by every model-backed
// workflow stage. It exposes a single Complete operation over pluggable
// provider clients and normalizes provider failures into a small error
// taxonomy the workflow engine can act on.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rulesmith/rulesmith/internal/config"
)

// Sentinel errors. Callers classify failures with errors.Is; everything a
// provider client returns wraps exactly one of these.
var (
	// ErrUnavailable indicates the provider could not be reached or
	// returned a server-side failure.
	ErrUnavailable = errors.New("gateway: provider unavailable")

	// ErrRateLimited indicates the provider rejected the call due to quota.
	ErrRateLimited = errors.New("gateway: rate limited")

	// ErrTimeout indicates the call exceeded its deadline.
	ErrTimeout = errors.New("gateway: timeout")

	// ErrInvalidResponse indicates the provider answered with something
	// that could not be interpreted as a completion.
	ErrInvalidResponse = errors.New("gateway: invalid response")
)

// CallConfig holds the per-call completion parameters.
type CallConfig struct {
	System      string
	MaxTokens   int
	Temperature float64
}

// Gateway generates text completions. Implementations must be safe for
// concurrent use; sub-agents of one execution call the gateway in parallel.
type Gateway interface {
	// Complete sends prompt to the provider and returns the completion
	// text. Transient transport failures are retried internally with
	// bounded exponential backoff before an error is returned.
	Complete(ctx context.Context, prompt string, cfg CallConfig) (string, error)
}

// New constructs a Gateway from configuration.
func New(cfg config.GatewayConfig) (Gateway, error) {
	switch cfg.Provider {
	case "anthropic":
		return newAnthropicGateway(cfg)
	case "openai":
		return newOpenAIGateway(cfg)
	default:
		return nil, fmt.Errorf("unsupported gateway provider %q", cfg.Provider)
	}
}

// retryableError marks an error as safe to retry at the transport level.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// withRetries runs fn with bounded exponential backoff. Only errors marked
// retryable are attempted again; the QA and validation feedback loops
// upstream never reach this function.
func withRetries(ctx context.Context, maxRetries int, baseBackoff time.Duration, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
		}

		text, err := fn()
		if err == nil {
			return text, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

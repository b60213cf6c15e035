// Package middleware provides decorators that harden the response team's
// agents: retry with backoff, a circuit breaker and per-call timeouts.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	// Default: 10s
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each failed attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// ShouldRetry reports whether err is worth another attempt. If nil,
	// IsRetryable is used.
	ShouldRetry func(error) bool

	// Logger receives one debug line per failed attempt.
	Logger *slog.Logger
}

// DefaultRetryConfig returns a retry config with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// IsRetryable rejects errors another attempt cannot fix: empty input, an
// open circuit and caller cancellation.
func IsRetryable(err error) bool {
	var cbErr *CircuitBreakerError
	switch {
	case errors.Is(err, agenkit.ErrEmptyMessage):
		return false
	case errors.As(err, &cbErr):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// RetryDecorator wraps an agent with retry logic.
type RetryDecorator struct {
	agent  agenkit.Agent
	config RetryConfig
}

var _ agenkit.Agent = (*RetryDecorator)(nil)

// NewRetryDecorator creates a new retry decorator.
func NewRetryDecorator(agent agenkit.Agent, config RetryConfig) *RetryDecorator {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.ShouldRetry == nil {
		config.ShouldRetry = IsRetryable
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &RetryDecorator{
		agent:  agent,
		config: config,
	}
}

// Name returns the name of the underlying agent.
func (r *RetryDecorator) Name() string {
	return r.agent.Name()
}

// Capabilities returns the capabilities of the underlying agent.
func (r *RetryDecorator) Capabilities() []string {
	return r.agent.Capabilities()
}

// Info returns the metadata of the underlying agent.
func (r *RetryDecorator) Info() agenkit.Info {
	return r.agent.Info()
}

// Unwrap returns the decorated agent.
func (r *RetryDecorator) Unwrap() agenkit.Agent {
	return r.agent
}

// Process calls the agent until it succeeds, the error is not retryable or
// attempts run out.
func (r *RetryDecorator) Process(ctx context.Context, message *agenkit.Message) (*agenkit.Message, error) {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		response, err := r.agent.Process(ctx, message)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !r.config.ShouldRetry(err) {
			return nil, fmt.Errorf("non-retryable error on attempt %d/%d: %w", attempt, r.config.MaxAttempts, err)
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		r.config.Logger.Debug("agent attempt failed, retrying",
			"agent", r.agent.Name(),
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
			backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
			if backoff > r.config.MaxBackoff {
				backoff = r.config.MaxBackoff
			}
		}
	}

	return nil, fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}

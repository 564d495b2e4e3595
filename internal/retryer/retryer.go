package retryer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config holds configuration for transport operation retries
type Config struct {
	MaxAttempts      int           // Maximum number of attempts, including the first
	InitialDelay     time.Duration // Initial delay between retries
	MaxDelay         time.Duration // Maximum delay between retries
	BackoffFactor    float64       // Multiplicative factor for backoff
	JitterPercentage float64       // Random jitter percentage to add (0-1)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}
}

// IsTransientError determines if an error is worth another attempt against the mesh.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, apperrors.ErrTransportUnavailable) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionReconnecting) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection") &&
		(strings.Contains(errMsg, "reset") ||
			strings.Contains(errMsg, "closed") ||
			strings.Contains(errMsg, "refused") ||
			strings.Contains(errMsg, "timeout"))
}

// NextDelay returns the backoff that follows delay, capped at MaxDelay.
func (c Config) NextDelay(delay time.Duration) time.Duration {
	if delay <= 0 {
		return c.InitialDelay
	}
	next := time.Duration(float64(delay) * c.BackoffFactor)
	if c.MaxDelay > 0 && next > c.MaxDelay {
		next = c.MaxDelay
	}
	return next
}

// WithRetry executes an operation with configurable retry policy.
// Only transient errors are retried.
func WithRetry(ctx context.Context, logger *zap.Logger, config Config, operation string, fn func() error) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsTransientError(err) || attempt == config.MaxAttempts {
			if attempt > 1 {
				logger.Warn("Operation failed after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Error(err))
			}
			return fmt.Errorf("%s: %w", operation, err)
		}

		jitter := time.Duration(float64(delay) * config.JitterPercentage * (0.5 + (float64(attempt) / float64(config.MaxAttempts))))
		sleepTime := delay + jitter

		logger.Warn("Retrying operation due to transient error",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", sleepTime),
			zap.Error(err))

		timer := time.NewTimer(sleepTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-timer.C:
		}

		delay = config.NextDelay(delay)
	}

	return fmt.Errorf("%s: %w", operation, lastErr)
}

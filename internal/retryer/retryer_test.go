package retryer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func TestWithRetry_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), zap.NewNop(), fastConfig(), "publish", func() error {
		calls++
		if calls < 3 {
			return apperrors.ErrTransportUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("bad subject")
	err := WithRetry(context.Background(), zap.NewNop(), fastConfig(), "publish", func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), zap.NewNop(), fastConfig(), "connect", func() error {
		calls++
		return nats.ErrNoServers
	})
	require.ErrorIs(t, err, nats.ErrNoServers)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := fastConfig()
	cfg.InitialDelay = time.Second

	err := WithRetry(ctx, zap.NewNop(), cfg, "connect", func() error { return nats.ErrTimeout })
	require.ErrorIs(t, err, context.Canceled)
}

func TestNextDelay(t *testing.T) {
	cfg := Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Millisecond, BackoffFactor: 2}
	assert.Equal(t, 10*time.Millisecond, cfg.NextDelay(0))
	assert.Equal(t, 20*time.Millisecond, cfg.NextDelay(10*time.Millisecond))
	assert.Equal(t, 30*time.Millisecond, cfg.NextDelay(20*time.Millisecond))
}

func TestIsTransientError(t *testing.T) {
	transient := []error{
		apperrors.ErrTransportUnavailable,
		nats.ErrTimeout,
		fmt.Errorf("flush: %w", nats.ErrTimeout),
		fmt.Errorf("publish: %w", nats.ErrConnectionReconnecting),
		nats.ErrNoServers,
		errors.New("dial tcp: connection refused"),
	}
	for _, err := range transient {
		assert.True(t, IsTransientError(err), "%v", err)
	}

	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(nats.ErrBadSubject))
	assert.False(t, IsTransientError(errors.New("payload too large")))
}

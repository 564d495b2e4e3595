// Package transport adapts the pub/sub substrate the mesh runs on.
//
// Delivery is best effort: subscribers must tolerate gaps, duplicates and
// reordering. Publish fails only when the local side cannot reach the
// substrate, in which case it returns an error wrapping
// errors.ErrTransportUnavailable and the caller decides whether to retry.
package transport

import (
	"context"
	"fmt"

	"github.com/dante-gpu/dante-mesh/internal/config"
	"go.uber.org/zap"
)

// Transport publishes and subscribes opaque payloads on named topics.
type Transport interface {
	// Publish is fire-and-forget.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a stream that is closed when ctx is done or the
	// underlying subscription is lost.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	// Connected reports whether Publish is currently expected to succeed.
	Connected() bool
	Close() error
}

// New builds the transport selected by cfg.Kind.
func New(ctx context.Context, cfg config.TransportConfig, clientName string, logger *zap.Logger) (Transport, error) {
	switch cfg.Kind {
	case config.TransportNATS:
		return NewNATSTransport(ctx, cfg, clientName, logger)
	case config.TransportMemory:
		logger.Warn("Using in-process memory transport; this node will not see other peers")
		return NewMemoryTransport(cfg.SubscribeBuffer).Connect(), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/dante-gpu/dante-mesh/internal/config"
	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/dante-gpu/dante-mesh/internal/retryer"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSTransport runs the mesh over NATS core pub/sub. Core subjects give the
// same semantics the mesh assumes: no persistence, no redelivery, no dedup.
type NATSTransport struct {
	nc     *nats.Conn
	cfg    config.TransportConfig
	logger *zap.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

// NewNATSTransport connects to cfg.URL, retrying transient failures with
// backoff. Failing to connect at all is the caller's fatal condition.
func NewNATSTransport(ctx context.Context, cfg config.TransportConfig, clientName string, logger *zap.Logger) (*NATSTransport, error) {
	t := &NATSTransport{
		cfg:    cfg,
		logger: logger.Named("transport"),
		closed: make(chan struct{}),
	}

	opts := t.connectOptions(clientName)

	retryCfg := retryer.DefaultConfig()
	retryCfg.MaxAttempts = 5
	retryCfg.InitialDelay = cfg.ReconnectWait / 3
	retryCfg.MaxDelay = cfg.ReconnectWait

	err := retryer.WithRetry(ctx, t.logger, retryCfg, "connect to NATS", func() error {
		nc, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return err
		}
		t.nc = nc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	t.logger.Info("Connected to NATS", zap.String("url", t.nc.ConnectedUrl()))
	return t, nil
}

// connectOptions configures the client and hooks connection events into the log.
func (t *NATSTransport) connectOptions(clientName string) []nats.Option {
	return []nats.Option{
		nats.Name(clientName),
		// A node never receives what it published itself.
		nats.NoEcho(),
		nats.Timeout(t.cfg.ConnectTimeout),
		nats.ReconnectWait(t.cfg.ReconnectWait),
		nats.MaxReconnects(t.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			t.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			// Core subscriptions are restored by the client itself.
			t.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			t.logger.Warn("NATS connection closed permanently")
			t.markClosed()
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			t.logger.Error("NATS async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
}

func (t *NATSTransport) markClosed() {
	t.closeOnce.Do(func() { close(t.closed) })
}

// Connected reports whether the connection is currently up.
func (t *NATSTransport) Connected() bool {
	return t.nc != nil && t.nc.Status() == nats.CONNECTED
}

// Publish sends payload on topic. While the client is disconnected or
// reconnecting it returns ErrTransportUnavailable instead of buffering.
func (t *NATSTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.Connected() {
		return fmt.Errorf("publish to %s: nats status %s: %w", topic, t.nc.Status(), apperrors.ErrTransportUnavailable)
	}
	if err := t.nc.Publish(topic, payload); err != nil {
		if retryer.IsTransientError(err) {
			return fmt.Errorf("publish to %s: %v: %w", topic, err, apperrors.ErrTransportUnavailable)
		}
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe forwards messages on topic until ctx is done or the connection is
// closed for good.
func (t *NATSTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	select {
	case <-t.closed:
		return nil, fmt.Errorf("subscribe to %s: %w", topic, apperrors.ErrTransportUnavailable)
	default:
	}

	msgs := make(chan *nats.Msg, t.cfg.SubscribeBuffer)
	sub, err := t.nc.ChanSubscribe(topic, msgs)
	if err != nil {
		if retryer.IsTransientError(err) {
			return nil, fmt.Errorf("subscribe to %s: %v: %w", topic, err, apperrors.ErrTransportUnavailable)
		}
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	if err := t.nc.FlushTimeout(t.cfg.FlushTimeout); err != nil {
		t.logger.Warn("Subscription flush did not complete", zap.String("subject", topic), zap.Error(err))
	}

	t.logger.Info("Subscribed to subject", zap.String("subject", topic))

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
				t.logger.Warn("Failed to unsubscribe", zap.String("subject", topic), zap.Error(err))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			case msg := <-msgs:
				select {
				case out <- msg.Data:
				case <-ctx.Done():
					return
				case <-t.closed:
					return
				}
			}
		}
	}()

	return out, nil
}

// Close drains pending publishes and closes the connection.
func (t *NATSTransport) Close() error {
	if t.nc == nil {
		return nil
	}
	defer t.markClosed()
	if t.nc.IsClosed() {
		return nil
	}
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

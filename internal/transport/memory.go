package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
)

// busOrigin marks traffic published or subscribed on the bus itself rather
// than through a MemoryConn.
const busOrigin uint64 = 0

type memorySub struct {
	ch     chan []byte
	origin uint64
}

// MemoryTransport is an in-process bus. Several agents may share one instance
// to form a mesh inside a single process, each through its own Connect.
// Slow subscribers lose messages rather than blocking publishers, matching
// the best-effort substrate.
type MemoryTransport struct {
	mu          sync.Mutex
	subscribers map[string][]*memorySub
	buffer      int
	available   bool
	closed      bool

	nextConn atomic.Uint64
	dropped  atomic.Int64
}

// NewMemoryTransport returns an empty, available bus.
func NewMemoryTransport(buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryTransport{
		subscribers: make(map[string][]*memorySub),
		buffer:      buffer,
		available:   true,
	}
}

// Connect returns a connection to the bus. Like a NATS client without echo,
// a connection never receives what it published itself.
func (m *MemoryTransport) Connect() *MemoryConn {
	return &MemoryConn{
		bus:  m,
		id:   m.nextConn.Add(1),
		done: make(chan struct{}),
	}
}

// SetAvailable simulates losing or regaining the substrate.
func (m *MemoryTransport) SetAvailable(available bool) {
	m.mu.Lock()
	m.available = available
	m.mu.Unlock()
}

// Dropped returns how many deliveries were lost to full subscriber buffers.
func (m *MemoryTransport) Dropped() int64 {
	return m.dropped.Load()
}

func (m *MemoryTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available && !m.closed
}

// Publish delivers payload to every subscriber of topic.
func (m *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return m.publish(ctx, busOrigin, topic, payload)
}

// Subscribe receives everything published on topic.
func (m *MemoryTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	return m.subscribe(ctx, nil, busOrigin, topic)
}

func (m *MemoryTransport) publish(ctx context.Context, origin uint64, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.available {
		return fmt.Errorf("publish to %s: %w", topic, apperrors.ErrTransportUnavailable)
	}

	for _, sub := range m.subscribers[topic] {
		if origin != busOrigin && sub.origin == origin {
			continue
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		select {
		case sub.ch <- data:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

// subscribe registers a stream that ends when ctx is done or done is closed.
func (m *MemoryTransport) subscribe(ctx context.Context, done <-chan struct{}, origin uint64, topic string) (<-chan []byte, error) {
	m.mu.Lock()
	if m.closed || !m.available {
		m.mu.Unlock()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, apperrors.ErrTransportUnavailable)
	}
	sub := &memorySub{ch: make(chan []byte, m.buffer), origin: origin}
	m.subscribers[topic] = append(m.subscribers[topic], sub)
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		m.unsubscribe(topic, sub)
	}()

	return sub.ch, nil
}

func (m *MemoryTransport) unsubscribe(topic string, sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subscribers[topic]
	for i, s := range subs {
		if s == sub {
			m.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Close ends every subscription stream. Shared instances are closed for all users.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subs := range m.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(m.subscribers, topic)
	}
	return nil
}

// MemoryConn is one node's view of a MemoryTransport.
type MemoryConn struct {
	bus       *MemoryTransport
	id        uint64
	done      chan struct{}
	closeOnce sync.Once
}

func (c *MemoryConn) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.isClosed() {
		return fmt.Errorf("publish to %s: %w", topic, apperrors.ErrTransportUnavailable)
	}
	return c.bus.publish(ctx, c.id, topic, payload)
}

func (c *MemoryConn) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	if c.isClosed() {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, apperrors.ErrTransportUnavailable)
	}
	return c.bus.subscribe(ctx, c.done, c.id, topic)
}

func (c *MemoryConn) Connected() bool {
	return !c.isClosed() && c.bus.Connected()
}

// Close ends this connection's streams and leaves the bus running.
func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *MemoryConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

package channel

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by Publish once the transport is shut down
// and delivered through Subscription errors when a connection drops.
var ErrTransportClosed = errors.New("transport closed")

// Transport is the raw pub/sub primitive the adapter wraps. Implementations
// deliver at-least-once and preserve ordering only within a single topic on
// a single connection. The adapter owns reconnection; a Transport just
// reports broken subscriptions by closing their channel.
type Transport interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
}

// Subscription is one live topic stream. Data() is closed when the
// subscription dies (connection loss or Close).
type Subscription interface {
	Data() <-chan []byte
	Close() error
}

// MemoryTransport is an in-process Transport used by tests and local
// development. Delivery is synchronous per subscriber channel with a small
// buffer; a full subscriber drops the event, which consumers must tolerate
// anyway under at-least-once semantics.
type MemoryTransport struct {
	mu     sync.Mutex
	subs   map[string][]*memorySub
	closed bool

	// PublishErr, when set, is returned by every Publish. Tests use it to
	// exercise the adapter's failure paths.
	PublishErr error
}

type memorySub struct {
	transport *MemoryTransport
	topic     string
	ch        chan []byte
	once      sync.Once
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string][]*memorySub)}
}

func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	sub := &memorySub{transport: t, topic: topic, ch: make(chan []byte, 64)}
	t.subs[topic] = append(t.subs[topic], sub)
	return sub, nil
}

func (t *MemoryTransport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.PublishErr != nil {
		err := t.PublishErr
		t.mu.Unlock()
		return err
	}
	subs := append([]*memorySub(nil), t.subs[topic]...)
	t.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- data:
		default:
		}
	}
	return nil
}

// DropSubscriptions severs every live subscription without closing the
// transport, simulating a connection loss.
func (t *MemoryTransport) DropSubscriptions() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string][]*memorySub)
	t.mu.Unlock()

	for _, topicSubs := range subs {
		for _, sub := range topicSubs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
}

func (t *MemoryTransport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.DropSubscriptions()
}

func (s *memorySub) Data() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	t := s.transport
	t.mu.Lock()
	topicSubs := t.subs[s.topic]
	for i, sub := range topicSubs {
		if sub == s {
			t.subs[s.topic] = append(topicSubs[:i], topicSubs[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
	return nil
}

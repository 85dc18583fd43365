package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"converse/internal/metrics"
)

// Handler receives every event delivered on a subscribed topic. Handlers
// must return quickly; they run on the subscription's delivery goroutine.
type Handler func(ev Event)

// BackoffConfig shapes the reconnect policy: exponential from Base, capped
// at Max, with full jitter. Budget is the number of consecutive failures
// after which the adapter reports degraded mode; it keeps retrying past it.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Budget int
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: 250 * time.Millisecond, Max: 30 * time.Second, Budget: 8}
}

// Adapter multiplexes topic-scoped subscriptions over one Transport and
// re-establishes them transparently after connection loss. Consumers never
// observe a disconnected state, only a gap in delivery.
type Adapter struct {
	transport Transport
	backoff   BackoffConfig

	mu         sync.Mutex
	subs       map[*Sub]struct{}
	closed     bool
	degraded   bool
	onDegraded func(degraded bool)
}

// Sub is the handle returned by Subscribe; closing it stops delivery and
// abandons any in-progress reconnect for that topic.
type Sub struct {
	adapter *Adapter
	topic   string
	handler Handler
	cancel  context.CancelFunc
}

func NewAdapter(transport Transport, backoff BackoffConfig) *Adapter {
	if backoff.Base <= 0 {
		backoff = DefaultBackoff()
	}
	return &Adapter{
		transport: transport,
		backoff:   backoff,
		subs:      make(map[*Sub]struct{}),
	}
}

// OnDegraded registers the single callback invoked when the adapter crosses
// into or out of degraded mode (live updates paused / resumed).
func (a *Adapter) OnDegraded(fn func(degraded bool)) {
	a.mu.Lock()
	a.onDegraded = fn
	a.mu.Unlock()
}

// Degraded reports whether the reconnect budget is currently exhausted.
func (a *Adapter) Degraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded
}

// Subscribe attaches handler to topic. The initial subscription failure is
// returned to the caller; later failures are retried indefinitely until the
// returned handle is closed.
func (a *Adapter) Subscribe(topic string, handler Handler) (*Sub, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrTransportClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Sub{adapter: a, topic: topic, handler: handler, cancel: cancel}
	a.subs[sub] = struct{}{}
	a.mu.Unlock()

	stream, err := a.transport.Subscribe(ctx, topic)
	if err != nil {
		a.remove(sub)
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	go a.deliver(ctx, sub, stream)
	return sub, nil
}

// Publish marshals ev and sends it on topic. Failures are reported to the
// caller, never swallowed.
func (a *Adapter) Publish(ctx context.Context, topic string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return a.transport.Publish(ctx, topic, data)
}

// Close tears down every subscription. Per-subscription shutdown goes
// through Sub.Close.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	subs := make([]*Sub, 0, len(a.subs))
	for sub := range a.subs {
		subs = append(subs, sub)
	}
	a.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (s *Sub) Close() {
	s.cancel()
	s.adapter.remove(s)
}

func (a *Adapter) remove(sub *Sub) {
	a.mu.Lock()
	delete(a.subs, sub)
	a.mu.Unlock()
}

// deliver pumps one subscription, reconnecting with backoff when the stream
// dies. A closed data channel means connection loss; ctx cancellation means
// the handle was closed.
func (a *Adapter) deliver(ctx context.Context, sub *Sub, stream Subscription) {
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-stream.Data():
			if !ok {
				stream.Close()
				stream = a.resubscribe(ctx, sub)
				if stream == nil {
					return
				}
				metrics.ChannelReconnects.Inc()
				continue
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("channel: dropping undecodable event on %s: %v", sub.topic, err)
				continue
			}
			sub.handler(ev)
		}
	}
}

// resubscribe retries until it gets a live stream or ctx is cancelled.
func (a *Adapter) resubscribe(ctx context.Context, sub *Sub) Subscription {
	attempt := 0
	for {
		delay := a.delay(attempt)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		stream, err := a.transport.Subscribe(ctx, sub.topic)
		if err == nil {
			a.setDegraded(false)
			return stream
		}

		attempt++
		if attempt == a.backoff.Budget {
			log.Printf("channel: %d consecutive subscribe failures on %s, entering degraded mode", attempt, sub.topic)
			a.setDegraded(true)
		}
	}
}

// delay computes the exponential backoff with full jitter for attempt n.
func (a *Adapter) delay(attempt int) time.Duration {
	backoff := a.backoff.Base << uint(attempt)
	if backoff > a.backoff.Max || backoff <= 0 {
		backoff = a.backoff.Max
	}
	return time.Duration(rand.Int63n(int64(backoff) + 1))
}

func (a *Adapter) setDegraded(degraded bool) {
	a.mu.Lock()
	changed := a.degraded != degraded
	a.degraded = degraded
	fn := a.onDegraded
	a.mu.Unlock()

	if changed && fn != nil {
		fn(degraded)
	}
}

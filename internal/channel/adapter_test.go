package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackoff() BackoffConfig {
	return BackoffConfig{Base: time.Millisecond, Max: 5 * time.Millisecond, Budget: 3}
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handler(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) last() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func TestAdapter_PublishSubscribeRoundtrip(t *testing.T) {
	transport := NewMemoryTransport()
	adapter := NewAdapter(transport, testBackoff())
	defer adapter.Close()

	sink := &eventSink{}
	sub, err := adapter.Subscribe("conv:alice:bob:messages", sink.handler)
	require.NoError(t, err)
	defer sub.Close()

	ev, err := NewEvent(EventMessage, "alice:bob", "alice", map[string]string{"content": "hey"})
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(context.Background(), "conv:alice:bob:messages", ev))

	require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, EventMessage, sink.last().Type)
	assert.Equal(t, "alice", sink.last().UserID)
}

func TestAdapter_TopicsAreIsolated(t *testing.T) {
	transport := NewMemoryTransport()
	adapter := NewAdapter(transport, testBackoff())
	defer adapter.Close()

	sink := &eventSink{}
	_, err := adapter.Subscribe("presence", sink.handler)
	require.NoError(t, err)

	ev, err := NewEvent(EventMessage, "alice:bob", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(context.Background(), "conv:alice:bob:messages", ev))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sink.len(), "events must not leak across topics")
}

func TestAdapter_ResubscribesAfterConnectionLoss(t *testing.T) {
	transport := NewMemoryTransport()
	adapter := NewAdapter(transport, testBackoff())
	defer adapter.Close()

	sink := &eventSink{}
	_, err := adapter.Subscribe("presence", sink.handler)
	require.NoError(t, err)

	// Sever every live subscription, then keep publishing: the adapter
	// must re-establish the topic transparently.
	transport.DropSubscriptions()

	ev, err := NewEvent(EventHeartbeat, "", "bob", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		transport.Publish(context.Background(), "presence", mustMarshal(t, ev))
		return sink.len() > 0
	}, time.Second, 5*time.Millisecond)

	assert.False(t, adapter.Degraded(), "a successful resubscribe clears degraded mode")
}

func TestAdapter_PublishFailureIsReported(t *testing.T) {
	transport := NewMemoryTransport()
	transport.PublishErr = errors.New("wire down")
	adapter := NewAdapter(transport, testBackoff())
	defer adapter.Close()

	ev, err := NewEvent(EventMessage, "alice:bob", "alice", nil)
	require.NoError(t, err)

	err = adapter.Publish(context.Background(), "conv:alice:bob:messages", ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wire down")
}

func TestAdapter_DegradedAfterBudgetExhausted(t *testing.T) {
	transport := &failingTransport{inner: NewMemoryTransport()}
	adapter := NewAdapter(transport, testBackoff())
	defer adapter.Close()

	var mu sync.Mutex
	var transitions []bool
	adapter.OnDegraded(func(d bool) {
		mu.Lock()
		transitions = append(transitions, d)
		mu.Unlock()
	})

	sink := &eventSink{}
	_, err := adapter.Subscribe("presence", sink.handler)
	require.NoError(t, err)

	// Kill the connection and make every resubscribe fail past the budget.
	transport.setFailing(true)
	transport.inner.DropSubscriptions()

	require.Eventually(t, adapter.Degraded, time.Second, time.Millisecond)

	// Transport recovers: degraded clears and delivery resumes.
	transport.setFailing(false)
	require.Eventually(t, func() bool { return !adapter.Degraded() }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	assert.True(t, transitions[0])
	assert.False(t, transitions[len(transitions)-1])
}

func TestAdapter_ClosedSubscriptionStopsDelivery(t *testing.T) {
	transport := NewMemoryTransport()
	adapter := NewAdapter(transport, testBackoff())
	defer adapter.Close()

	sink := &eventSink{}
	sub, err := adapter.Subscribe("presence", sink.handler)
	require.NoError(t, err)

	sub.Close()

	ev, err := NewEvent(EventHeartbeat, "", "bob", nil)
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(context.Background(), "presence", ev))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sink.len())
}

// failingTransport wraps the memory transport with a switchable subscribe
// failure, driving the adapter's backoff and degraded-mode paths.
type failingTransport struct {
	inner *MemoryTransport
	mu    sync.Mutex
	fail  bool
}

func (f *failingTransport) setFailing(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *failingTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return f.inner.Subscribe(ctx, topic)
}

func (f *failingTransport) Publish(ctx context.Context, topic string, data []byte) error {
	return f.inner.Publish(ctx, topic, data)
}

func mustMarshal(t *testing.T, ev Event) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return data
}

// Package typing debounces local input activity into typing-start/stop
// signals and decays remote typing records after a TTL, so indicators
// self-heal even when a stop signal is lost.
package typing

import (
	"context"
	"log"
	"sync"
	"time"

	"converse/internal/channel"
	"converse/internal/metrics"
)

type Config struct {
	// Debounce is the minimum gap between two published start signals for
	// the same conversation while the user keeps typing.
	Debounce time.Duration
	// IdleWindow is how long after the last input activity a stop signal is
	// published automatically.
	IdleWindow time.Duration
	// TTL is how long a remote record lives without a refresh. Longer than
	// the expected re-send interval so one dropped packet does not flicker
	// the indicator.
	TTL time.Duration
	// SweepInterval is how often lapsed remote records are evicted.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:      3 * time.Second,
		IdleWindow:    6 * time.Second,
		TTL:           10 * time.Second,
		SweepInterval: 2 * time.Second,
	}
}

// localState is the per-conversation side of the state machine:
// idle -> active on the first published start, back to idle on a published
// stop (timer-driven or explicit).
type localState struct {
	lastStartAt time.Time
	stopTimer   *time.Timer
	active      bool
}

type remoteKey struct {
	userID          string
	conversationKey string
}

// Coordinator owns both sides: the local debounce machine and the remote
// TTL records.
type Coordinator struct {
	adapter *channel.Adapter
	cfg     Config
	now     func() time.Time

	mu     sync.Mutex
	local  map[string]*localState
	remote map[remoteKey]time.Time
}

func NewCoordinator(adapter *channel.Adapter, cfg Config) *Coordinator {
	if cfg.TTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		adapter: adapter,
		cfg:     cfg,
		now:     time.Now,
		local:   make(map[string]*localState),
		remote:  make(map[remoteKey]time.Time),
	}
}

// SetClock overrides the coordinator's clock for tests. Timer-driven stop
// publication still uses real timers.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Activity records local input in conversationKey for selfID. A start
// signal is published unless one went out within the debounce window, and
// the automatic stop is (re)scheduled after the idle window.
func (c *Coordinator) Activity(ctx context.Context, selfID, conversationKey string) {
	c.mu.Lock()
	state, ok := c.local[conversationKey]
	if !ok {
		state = &localState{}
		c.local[conversationKey] = state
	}

	now := c.now()
	needStart := !state.active || now.Sub(state.lastStartAt) >= c.cfg.Debounce
	if needStart {
		state.lastStartAt = now
		state.active = true
	}

	if state.stopTimer != nil {
		state.stopTimer.Stop()
	}
	state.stopTimer = time.AfterFunc(c.cfg.IdleWindow, func() {
		c.StopNow(context.Background(), selfID, conversationKey)
	})
	c.mu.Unlock()

	if needStart {
		c.publish(ctx, channel.EventTypingStart, selfID, conversationKey)
	}
}

// StopNow publishes an immediate stop signal (message sent, conversation
// closed, or idle window elapsed) and resets the local machine.
func (c *Coordinator) StopNow(ctx context.Context, selfID, conversationKey string) {
	c.mu.Lock()
	state, ok := c.local[conversationKey]
	if !ok || !state.active {
		c.mu.Unlock()
		return
	}
	if state.stopTimer != nil {
		state.stopTimer.Stop()
		state.stopTimer = nil
	}
	state.active = false
	c.mu.Unlock()

	c.publish(ctx, channel.EventTypingStop, selfID, conversationKey)
}

func (c *Coordinator) publish(ctx context.Context, eventType, selfID, conversationKey string) {
	ev, err := channel.NewEvent(eventType, conversationKey, selfID, nil)
	if err != nil {
		return
	}
	// Typing is best-effort; a lost signal heals within one TTL.
	if err := c.adapter.Publish(ctx, channel.TypingTopic(conversationKey), ev); err != nil {
		log.Printf("typing: %s publish failed: %v", eventType, err)
	}
}

// HandleRemote applies a typing event from the wire. Start refreshes the
// record's expiry, stop removes it immediately.
func (c *Coordinator) HandleRemote(ev channel.Event) {
	if ev.UserID == "" || ev.ConversationKey == "" {
		return
	}
	key := remoteKey{userID: ev.UserID, conversationKey: ev.ConversationKey}

	c.mu.Lock()
	switch ev.Type {
	case channel.EventTypingStart:
		c.remote[key] = c.now().Add(c.cfg.TTL)
	case channel.EventTypingStop:
		delete(c.remote, key)
	}
	size := len(c.remote)
	c.mu.Unlock()
	metrics.TypingRecords.Set(float64(size))
}

// IsTyping is a pure read against current records and the clock.
func (c *Coordinator) IsTyping(userID, conversationKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt, ok := c.remote[remoteKey{userID: userID, conversationKey: conversationKey}]
	return ok && c.now().Before(expiresAt)
}

// StartSweep launches the periodic eviction of lapsed remote records and
// runs until ctx is done.
func (c *Coordinator) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Sweep removes lapsed remote records. Exposed for tests.
func (c *Coordinator) Sweep() {
	c.mu.Lock()
	now := c.now()
	for key, expiresAt := range c.remote {
		if !now.Before(expiresAt) {
			delete(c.remote, key)
		}
	}
	size := len(c.remote)
	c.mu.Unlock()
	metrics.TypingRecords.Set(float64(size))
}

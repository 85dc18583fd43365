// Package presence derives online/offline state from heartbeat events on
// the global presence topic. Presence is soft state: it is rebuilt purely
// from live heartbeats and decays on its own, so absence of heartbeats is
// itself the offline signal and no retry logic exists here.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"converse/internal/channel"
	"converse/internal/metrics"
)

type Config struct {
	// HeartbeatInterval is how often this client announces itself.
	HeartbeatInterval time.Duration
	// Timeout is how long after the last heartbeat a user still counts as
	// online. Kept comfortably above the interval to ride out one dropped
	// heartbeat.
	Timeout time.Duration
	// SweepInterval is how often stale records are evicted.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		Timeout:           45 * time.Second,
		SweepInterval:     10 * time.Second,
	}
}

// Tracker maintains the last-heartbeat time per user.
type Tracker struct {
	adapter *channel.Adapter
	cfg     Config
	now     func() time.Time

	mu        sync.Mutex
	lastSeen  map[string]time.Time
	sub       *channel.Sub
	cancel    context.CancelFunc
	startOnce sync.Once
}

func NewTracker(adapter *channel.Adapter, cfg Config) *Tracker {
	if cfg.HeartbeatInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{
		adapter:  adapter,
		cfg:      cfg,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// SetClock overrides the tracker's clock. Tests use this to drive decay
// deterministically.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Start subscribes to heartbeats, begins publishing this user's own
// heartbeat, and launches the eviction sweep. It runs until ctx is done.
func (t *Tracker) Start(ctx context.Context, selfUserID string) error {
	var err error
	t.startOnce.Do(func() {
		ctx, t.cancel = context.WithCancel(ctx)

		t.sub, err = t.adapter.Subscribe(channel.PresenceTopic, t.handle)
		if err != nil {
			return
		}

		go t.heartbeatLoop(ctx, selfUserID)
		go t.sweepLoop(ctx)
	})
	return err
}

func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.sub != nil {
		t.sub.Close()
	}
}

// IsOnline is a pure read against the clock and the most recent heartbeat.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastSeen[userID]
	return ok && t.now().Sub(last) < t.cfg.Timeout
}

// Observe records a heartbeat for userID. Exposed for tests; live traffic
// arrives through the presence topic subscription.
func (t *Tracker) Observe(userID string) {
	t.mu.Lock()
	t.lastSeen[userID] = t.now()
	size := len(t.lastSeen)
	t.mu.Unlock()
	metrics.OnlineUsers.Set(float64(size))
}

func (t *Tracker) handle(ev channel.Event) {
	if ev.Type != channel.EventHeartbeat || ev.UserID == "" {
		return
	}
	t.Observe(ev.UserID)
}

func (t *Tracker) heartbeatLoop(ctx context.Context, selfUserID string) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	t.publishHeartbeat(ctx, selfUserID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.publishHeartbeat(ctx, selfUserID)
		}
	}
}

func (t *Tracker) publishHeartbeat(ctx context.Context, selfUserID string) {
	ev, err := channel.NewEvent(channel.EventHeartbeat, "", selfUserID, nil)
	if err != nil {
		return
	}
	// Best effort: a missed heartbeat just looks like a late one.
	if err := t.adapter.Publish(ctx, channel.PresenceTopic, ev); err != nil {
		log.Printf("presence: heartbeat publish failed: %v", err)
	}
}

// sweepLoop evicts records whose heartbeat exceeded the timeout so stale
// entries never accumulate.
func (t *Tracker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Sweep removes expired records. Exposed for tests.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	now := t.now()
	for userID, last := range t.lastSeen {
		if now.Sub(last) >= t.cfg.Timeout {
			delete(t.lastSeen, userID)
		}
	}
	size := len(t.lastSeen)
	t.mu.Unlock()
	metrics.OnlineUsers.Set(float64(size))
}

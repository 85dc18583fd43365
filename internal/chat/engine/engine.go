// Package engine is the messaging facade: the single public entry point
// composing the event channel, presence tracker, typing coordinator,
// message store, and conversation directory. Presentation code consumes
// nothing else.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"converse/internal/channel"
	"converse/internal/chat"
	"converse/internal/chat/directory"
	"converse/internal/chat/store"
	"converse/internal/common"
	"converse/internal/metrics"
	"converse/internal/presence"
	"converse/internal/typing"
)

// Deps are the collaborators one engine session is built from. Transport,
// persistence, and profiles are shared across sessions; everything else is
// owned by the session.
type Deps struct {
	Identity    chat.Identity
	Persistence chat.Persistence
	Profiles    chat.Profiles
	Transport   channel.Transport

	Backoff  channel.BackoffConfig
	Presence presence.Config
	Typing   typing.Config

	// FailedRetention caps Failed messages kept per conversation; zero
	// keeps every failed send.
	FailedRetention int
}

// Engine is one user's messaging session.
type Engine struct {
	identity    chat.Identity
	persistence chat.Persistence
	profiles    chat.Profiles

	adapter *channel.Adapter
	tracker *presence.Tracker
	typing  *typing.Coordinator
	store   *store.Store

	mu        sync.Mutex
	self      string
	dir       *directory.Directory
	activeKey string
	epoch     int
	inboxSubs map[string]*channel.Sub // session-long, one per known conversation
	typSub    *channel.Sub            // scoped to the open conversation
	onChange  func(store.Change)
	cancel    context.CancelFunc
	started   bool
}

func New(deps Deps) *Engine {
	adapter := channel.NewAdapter(deps.Transport, deps.Backoff)
	e := &Engine{
		identity:    deps.Identity,
		persistence: deps.Persistence,
		profiles:    deps.Profiles,
		adapter:     adapter,
		tracker:     presence.NewTracker(adapter, deps.Presence),
		typing:      typing.NewCoordinator(adapter, deps.Typing),
		store:       store.New(),
		inboxSubs:   make(map[string]*channel.Sub),
	}
	e.store.SetFailedRetention(deps.FailedRetention)
	e.store.SetOnChange(e.handleStoreChange)
	return e
}

// SetOnChange registers the consumer's change listener for the reactive
// views (message sequence, conversation list). Call before Start.
func (e *Engine) SetOnChange(fn func(store.Change)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Start resolves the current user, seeds the conversation directory, and
// brings up presence heartbeats and the typing sweep.
func (e *Engine) Start(ctx context.Context) error {
	self, err := e.identity.CurrentUserID()
	if err != nil {
		return common.ErrUnauthenticated
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.self = self
	e.dir = directory.New(self, e.profiles)
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	list, err := e.persistence.FetchConversationList(ctx, self)
	if err != nil {
		return fmt.Errorf("%w: conversation list: %v", common.ErrPersistenceFailed, err)
	}
	e.dir.Bootstrap(list)

	// One session-long message subscription per known conversation keeps
	// unread counts and previews current without the thread being open.
	for _, conv := range list {
		if err := e.ensureInbox(conv.ID); err != nil {
			log.Printf("engine: inbox subscription for %s failed: %v", conv.ID, err)
		}
	}

	if err := e.tracker.Start(ctx, self); err != nil {
		// Presence is best-effort; the engine still works without it and
		// everyone simply reads as offline.
		log.Printf("engine: presence unavailable: %v", err)
	}
	e.typing.StartSweep(ctx)

	metrics.ActiveSessions.Inc()
	return nil
}

// Close tears the session down: scoped and global subscriptions, presence,
// and the underlying adapter.
func (e *Engine) Close() {
	e.CloseConversation()
	e.mu.Lock()
	cancel := e.cancel
	started := e.started
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.tracker.Stop()
	e.adapter.Close()
	if started {
		metrics.ActiveSessions.Dec()
	}
}

// OpenConversation activates the thread with counterpartID: scoped live
// subscriptions, a one-shot history load, and the read-state transition.
func (e *Engine) OpenConversation(ctx context.Context, counterpartID string) (chat.Conversation, error) {
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	if self == "" {
		return chat.Conversation{}, common.ErrUnauthenticated
	}
	if counterpartID == "" || counterpartID == self {
		return chat.Conversation{}, fmt.Errorf("%w: invalid counterpart", common.ErrValidationFailed)
	}

	key := chat.Key(self, counterpartID)

	if err := e.ensureInbox(key); err != nil {
		return chat.Conversation{}, err
	}

	e.mu.Lock()
	if e.activeKey != key {
		e.detachLocked()
		e.epoch++

		typSub, err := e.adapter.Subscribe(channel.TypingTopic(key), e.handleTypingEvent)
		if err != nil {
			e.mu.Unlock()
			return chat.Conversation{}, err
		}
		e.activeKey = key
		e.typSub = typSub
	}
	epoch := e.epoch
	e.mu.Unlock()

	e.dir.SetActive(key)

	if !e.store.HistoryLoaded(key) {
		history, err := e.persistence.FetchHistory(ctx, key)
		if err != nil {
			return chat.Conversation{}, fmt.Errorf("%w: history: %v", common.ErrPersistenceFailed, err)
		}
		// The user may have switched away while the fetch was in flight;
		// a stale result must not resurrect the abandoned view.
		e.mu.Lock()
		stale := e.epoch != epoch
		e.mu.Unlock()
		if stale {
			return chat.Conversation{}, nil
		}
		e.store.MergeHistory(key, history)
	}

	e.store.MarkRead(key)
	return e.dir.Get(key), nil
}

// CloseConversation releases the scoped subscriptions so switching away
// bounds resource usage. Global presence subscriptions are untouched.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	key, self := e.activeKey, e.self
	e.detachLocked()
	e.activeKey = ""
	e.epoch++
	e.mu.Unlock()

	if key != "" {
		e.typing.StopNow(context.Background(), self, key)
		e.dir.ClearActive()
	}
}

// Send validates, appends the optimistic entry, persists, reconciles, and
// publishes the live event. A persistence failure leaves the message
// visible in Failed state and is reported through the error.
func (e *Engine) Send(ctx context.Context, conversationKey, content string) (chat.Message, error) {
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	if self == "" {
		return chat.Message{}, common.ErrUnauthenticated
	}
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, fmt.Errorf("%w: empty message content", common.ErrValidationFailed)
	}
	if conversationKey == "" {
		return chat.Message{}, fmt.Errorf("%w: missing conversation key", common.ErrValidationFailed)
	}

	if err := e.ensureInbox(conversationKey); err != nil {
		log.Printf("engine: inbox subscription for %s failed: %v", conversationKey, err)
	}

	msg := chat.Message{
		ID:              "tmp-" + uuid.NewString(),
		ConversationKey: conversationKey,
		SenderID:        self,
		Content:         content,
		CreatedAt:       time.Now().UTC(),
		CorrelationID:   uuid.NewString(),
	}
	e.store.AppendLocal(msg)
	e.typing.StopNow(ctx, self, conversationKey)

	return e.deliver(ctx, msg)
}

// RetrySend re-enters the send state machine for a Failed message with a
// fresh correlation token. The content is never re-sent automatically.
func (e *Engine) RetrySend(ctx context.Context, conversationKey, messageID string) (chat.Message, error) {
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	if self == "" {
		return chat.Message{}, common.ErrUnauthenticated
	}

	msg, ok := e.store.PrepareRetry(conversationKey, messageID, uuid.NewString())
	if !ok {
		return chat.Message{}, fmt.Errorf("%w: message %s is not retryable", common.ErrValidationFailed, messageID)
	}
	return e.deliver(ctx, msg)
}

// deliver persists one Pending message and fans the outcome out: reconcile
// plus live publish on success, Failed state on error.
func (e *Engine) deliver(ctx context.Context, msg chat.Message) (chat.Message, error) {
	persisted, err := e.persistence.PersistMessage(ctx, msg)
	if err != nil {
		e.store.MarkFailed(msg.CorrelationID)
		metrics.MessagesFailed.Inc()
		msg.Delivery = chat.DeliveryFailed
		return msg, fmt.Errorf("%w: %v", common.ErrPersistenceFailed, err)
	}

	persisted.CorrelationID = msg.CorrelationID
	persisted.Delivery = chat.DeliverySent
	e.store.Reconcile(msg.CorrelationID, persisted)
	metrics.MessagesSent.Inc()

	ev, err := channel.NewEvent(channel.EventMessage, persisted.ConversationKey, persisted.SenderID, persisted)
	if err == nil {
		err = e.adapter.Publish(ctx, channel.MessageTopic(persisted.ConversationKey), ev)
	}
	if err != nil {
		// The record is durable; the counterpart recovers it from history.
		// Still reported: publish failures are never swallowed.
		return persisted, fmt.Errorf("%w: live publish: %v", common.ErrChannelUnavailable, err)
	}
	return persisted, nil
}

// StartTyping reports local input activity in the thread with counterpartID.
func (e *Engine) StartTyping(ctx context.Context, counterpartID string) {
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	if self == "" || counterpartID == "" {
		return
	}
	e.typing.Activity(ctx, self, chat.Key(self, counterpartID))
}

func (e *Engine) StopTyping(ctx context.Context, counterpartID string) {
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	if self == "" || counterpartID == "" {
		return
	}
	e.typing.StopNow(ctx, self, chat.Key(self, counterpartID))
}

// IsUserTyping reports whether userID is typing in the open conversation.
func (e *Engine) IsUserTyping(userID string) bool {
	e.mu.Lock()
	key := e.activeKey
	e.mu.Unlock()
	if key == "" {
		return false
	}
	return e.typing.IsTyping(userID, key)
}

func (e *Engine) IsUserOnline(userID string) bool {
	return e.tracker.IsOnline(userID)
}

// Messages is the read-only projection of the open conversation's ordered
// sequence.
func (e *Engine) Messages() []chat.Message {
	e.mu.Lock()
	key := e.activeKey
	e.mu.Unlock()
	if key == "" {
		return nil
	}
	return e.store.Messages(key)
}

// Conversations is the read-only projection of the conversation list.
func (e *Engine) Conversations() []chat.Conversation {
	e.mu.Lock()
	dir := e.dir
	e.mu.Unlock()
	if dir == nil {
		return nil
	}
	return dir.List()
}

// LiveUpdatesPaused reports degraded mode: the channel's reconnect budget
// is exhausted and live events are paused, while historical reads still
// function.
func (e *Engine) LiveUpdatesPaused() bool {
	return e.adapter.Degraded()
}

// ensureInbox opens the session-long message subscription for key once.
func (e *Engine) ensureInbox(key string) error {
	e.mu.Lock()
	if _, ok := e.inboxSubs[key]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	sub, err := e.adapter.Subscribe(channel.MessageTopic(key), e.handleMessageEvent)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, ok := e.inboxSubs[key]; ok {
		e.mu.Unlock()
		sub.Close()
		return nil
	}
	e.inboxSubs[key] = sub
	e.mu.Unlock()
	return nil
}

// detachLocked drops only the scoped subscription of the open conversation;
// inbox and presence subscriptions are session-long.
func (e *Engine) detachLocked() {
	if e.typSub != nil {
		e.typSub.Close()
		e.typSub = nil
	}
}

func (e *Engine) handleStoreChange(change store.Change) {
	e.mu.Lock()
	dir := e.dir
	fn := e.onChange
	activeKey := e.activeKey
	self := e.self
	e.mu.Unlock()

	if dir != nil {
		dir.Apply(change)
	}

	// A message rendered into the open conversation is read immediately.
	if change.Kind == store.ChangeAppended && change.Source == store.SourceLive &&
		change.ConversationKey == activeKey && change.Message.SenderID != self {
		e.store.MarkRead(activeKey)
	}

	if fn != nil {
		fn(change)
	}
}

func (e *Engine) handleMessageEvent(ev channel.Event) {
	if ev.Type != channel.EventMessage || len(ev.Payload) == 0 {
		return
	}
	var msg chat.Message
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		log.Printf("engine: dropping undecodable message event: %v", err)
		return
	}
	e.store.ApplyLive(msg)
}

func (e *Engine) handleTypingEvent(ev channel.Event) {
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	if ev.UserID == self {
		return
	}
	e.typing.HandleRemote(ev)
}

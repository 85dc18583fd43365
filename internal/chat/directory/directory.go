// Package directory maintains the current user's conversation list: one
// record per counterpart with last-message preview, last activity, and
// unread count, updated incrementally from message store changes.
package directory

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"converse/internal/chat"
	"converse/internal/chat/store"
)

type Directory struct {
	self     string
	profiles chat.Profiles // optional display-metadata lookup

	mu      sync.Mutex
	convs   map[string]*chat.Conversation
	pending map[string]bool // profile lookups in flight, keyed by conversation
	active  string
}

func New(selfUserID string, profiles chat.Profiles) *Directory {
	return &Directory{
		self:     selfUserID,
		profiles: profiles,
		convs:    make(map[string]*chat.Conversation),
		pending:  make(map[string]bool),
	}
}

// Bootstrap seeds the directory from the persisted conversation list.
func (d *Directory) Bootstrap(list []chat.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range list {
		conv := list[i]
		d.convs[conv.ID] = &conv
	}
}

// SetActive marks conversationKey as the open conversation. Messages
// arriving for it do not count as unread.
func (d *Directory) SetActive(conversationKey string) {
	d.mu.Lock()
	d.active = conversationKey
	d.mu.Unlock()
}

func (d *Directory) ClearActive() {
	d.SetActive("")
}

func (d *Directory) ActiveKey() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Get returns the conversation for key, creating its record on first use.
func (d *Directory) Get(conversationKey string) chat.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.ensure(conversationKey)
}

// List returns conversations ordered by last activity, most recent first,
// so active threads surface at the top.
func (d *Directory) List() []chat.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]chat.Conversation, 0, len(d.convs))
	for _, conv := range d.convs {
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Apply folds one message store change into the list. This is the only
// mutation path besides Bootstrap; presentation code never writes here.
func (d *Directory) Apply(change store.Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conv := d.ensure(change.ConversationKey)

	if change.Kind == store.ChangeMarkedRead {
		conv.UnreadCount = 0
		return
	}

	msg := change.Message

	// Failed and still-pending sends never touch the preview; the thread
	// surfaces once the message actually exists somewhere durable.
	if msg.Delivery == chat.DeliverySent && !msg.CreatedAt.Before(conv.LastActivityAt) {
		conv.LastMessagePreview = msg.Content
		conv.LastActivityAt = msg.CreatedAt
	}

	// Unread counts only messages from the other side, arriving live, for a
	// conversation that is not currently open.
	if change.Kind == store.ChangeAppended &&
		change.Source == store.SourceLive &&
		msg.SenderID != d.self &&
		change.ConversationKey != d.active {
		conv.UnreadCount++
	}
}

// ensure returns the record for key, creating it on first sight with the
// bare counterpart identifier. Display metadata is resolved off the lock;
// ensure runs on the event-delivery path and must never wait on the
// network. Caller holds the lock.
func (d *Directory) ensure(conversationKey string) *chat.Conversation {
	if conv, ok := d.convs[conversationKey]; ok {
		return conv
	}

	counterpartID := chat.Counterpart(conversationKey, d.self)
	conv := &chat.Conversation{
		ID:               conversationKey,
		OtherParticipant: chat.Participant{UserID: counterpartID, DisplayName: counterpartID},
	}
	d.convs[conversationKey] = conv

	if d.profiles != nil && counterpartID != "" && !d.pending[conversationKey] {
		d.pending[conversationKey] = true
		go d.resolveProfile(conversationKey, counterpartID)
	}
	return conv
}

// resolveProfile backfills the counterpart's display metadata once the
// lookup returns. Reads served in the meantime see the identifier fallback.
func (d *Directory) resolveProfile(conversationKey, counterpartID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := d.profiles.Profile(ctx, counterpartID)

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, conversationKey)
	if err != nil {
		log.Printf("directory: profile lookup for %s failed: %v", counterpartID, err)
		return
	}
	if conv, ok := d.convs[conversationKey]; ok {
		conv.OtherParticipant = p
	}
}

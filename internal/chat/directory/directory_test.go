package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"converse/internal/chat"
	"converse/internal/chat/store"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func liveAppend(key, sender, content string, offset int) store.Change {
	return store.Change{
		Kind:            store.ChangeAppended,
		Source:          store.SourceLive,
		ConversationKey: key,
		Message: chat.Message{
			ID:              content,
			ConversationKey: key,
			SenderID:        sender,
			Content:         content,
			CreatedAt:       base.Add(time.Duration(offset) * time.Second),
			Delivery:        chat.DeliverySent,
		},
	}
}

func TestDirectory_UnreadAccounting(t *testing.T) {
	d := New("alice", nil)
	key := chat.Key("alice", "bob")

	// Message from the counterpart while the conversation is not open.
	d.Apply(liveAppend(key, "bob", "hey", 0))
	assert.Equal(t, 1, d.Get(key).UnreadCount)

	d.Apply(liveAppend(key, "bob", "you there?", 1))
	assert.Equal(t, 2, d.Get(key).UnreadCount)

	// Own messages never count.
	d.Apply(liveAppend(key, "alice", "yes", 2))
	assert.Equal(t, 2, d.Get(key).UnreadCount)

	// Open conversation: incoming messages are read immediately.
	d.SetActive(key)
	d.Apply(liveAppend(key, "bob", "good", 3))
	assert.Equal(t, 2, d.Get(key).UnreadCount)

	// Mark read zeroes the counter; nothing else decrements it.
	d.Apply(store.Change{Kind: store.ChangeMarkedRead, ConversationKey: key})
	assert.Equal(t, 0, d.Get(key).UnreadCount)
}

func TestDirectory_ListOrderedByLastActivity(t *testing.T) {
	d := New("alice", nil)
	keyBob := chat.Key("alice", "bob")
	keyCarol := chat.Key("alice", "carol")

	d.Apply(liveAppend(keyBob, "bob", "first", 0))
	d.Apply(liveAppend(keyCarol, "carol", "second", 10))

	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, keyCarol, list[0].ID, "most recently active thread first")
	assert.Equal(t, keyBob, list[1].ID)

	// New activity in the older thread bubbles it back up.
	d.Apply(liveAppend(keyBob, "bob", "third", 20))
	list = d.List()
	assert.Equal(t, keyBob, list[0].ID)
}

func TestDirectory_PreviewTracksDeliveredMessagesOnly(t *testing.T) {
	d := New("alice", nil)
	key := chat.Key("alice", "bob")

	d.Apply(liveAppend(key, "bob", "hello", 0))
	require.Equal(t, "hello", d.Get(key).LastMessagePreview)

	// A failed local send leaves preview and activity untouched.
	d.Apply(store.Change{
		Kind:            store.ChangeUpdated,
		Source:          store.SourceReconcile,
		ConversationKey: key,
		Message: chat.Message{
			ID:              "tmp-1",
			ConversationKey: key,
			SenderID:        "alice",
			Content:         "did not make it",
			CreatedAt:       base.Add(time.Minute),
			Delivery:        chat.DeliveryFailed,
		},
	})
	conv := d.Get(key)
	assert.Equal(t, "hello", conv.LastMessagePreview)
	assert.Equal(t, base, conv.LastActivityAt)
	assert.Equal(t, 1, conv.UnreadCount, "failed send does not touch unread either")
}

func TestDirectory_BootstrapSeedsPersistedSummaries(t *testing.T) {
	d := New("alice", nil)
	key := chat.Key("alice", "bob")

	d.Bootstrap([]chat.Conversation{{
		ID:                 key,
		OtherParticipant:   chat.Participant{UserID: "bob", DisplayName: "Bob"},
		LastMessagePreview: "from storage",
		LastActivityAt:     base,
	}})

	list := d.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Bob", list[0].OtherParticipant.DisplayName)
	assert.Equal(t, "from storage", list[0].LastMessagePreview)
}

// stalledProfiles blocks every lookup until released, standing in for a
// slow profile store.
type stalledProfiles struct {
	release chan struct{}
}

func (p *stalledProfiles) Profile(ctx context.Context, userID string) (chat.Participant, error) {
	select {
	case <-p.release:
		return chat.Participant{UserID: userID, DisplayName: "Bob"}, nil
	case <-ctx.Done():
		return chat.Participant{}, ctx.Err()
	}
}

func TestDirectory_SlowProfileLookupDoesNotBlockApplyOrReads(t *testing.T) {
	profiles := &stalledProfiles{release: make(chan struct{})}
	d := New("alice", profiles)
	key := chat.Key("alice", "bob")

	// First sight of the conversation arrives on the event-delivery path;
	// it must complete without waiting on the lookup.
	done := make(chan struct{})
	go func() {
		d.Apply(liveAppend(key, "bob", "hey", 0))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Apply blocked behind the profile lookup")
	}

	// Reads serve the identifier fallback while the lookup is in flight.
	list := d.List()
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].OtherParticipant.DisplayName)

	// The resolved metadata backfills once the lookup returns.
	close(profiles.release)
	require.Eventually(t, func() bool {
		return d.Get(key).OtherParticipant.DisplayName == "Bob"
	}, time.Second, 5*time.Millisecond)
}

func TestDirectory_CounterpartDerivedFromKey(t *testing.T) {
	d := New("alice", nil)
	key := chat.Key("alice", "bob")

	d.Apply(liveAppend(key, "bob", "hey", 0))

	conv := d.Get(key)
	assert.Equal(t, "bob", conv.OtherParticipant.UserID)
}

package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"converse/internal/chat"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const key = "alice:bob"

func persisted(id string, offset int, sender, content string) chat.Message {
	return chat.Message{
		ID:              id,
		ConversationKey: key,
		SenderID:        sender,
		Content:         content,
		CreatedAt:       base.Add(time.Duration(offset) * time.Second),
		Delivery:        chat.DeliverySent,
		Read:            chat.ReadStateUnread,
	}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertOrdered(t *testing.T, msgs []chat.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i-1].Before(msgs[i]),
			"sequence out of order at %d: %s !< %s", i, msgs[i-1].ID, msgs[i].ID)
	}
}

func TestStore_OrderingInvariantUnderInterleavings(t *testing.T) {
	history := []chat.Message{
		persisted("m1", 0, "bob", "hey"),
		persisted("m2", 10, "alice", "hello"),
	}
	live := persisted("m3", 20, "bob", "how are you")

	// The same inputs in every arrival order must produce the same visible
	// sequence, including a live event landing before the history fetch
	// that also contains it.
	apply := map[string]func(s *Store){
		"history": func(s *Store) { s.MergeHistory(key, history) },
		"live":    func(s *Store) { s.ApplyLive(live) },
		"overlap": func(s *Store) { s.ApplyLive(history[1]) },
	}
	orders := [][]string{
		{"history", "live", "overlap"},
		{"live", "history", "overlap"},
		{"overlap", "live", "history"},
		{"live", "overlap", "history"},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			s := New()
			for _, step := range order {
				apply[step](s)
			}

			msgs := s.Messages(key)
			require.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))
			assertOrdered(t, msgs)
		})
	}
}

func TestStore_DuplicateLiveDeliveryIsIdempotent(t *testing.T) {
	s := New()
	msg := persisted("m1", 0, "bob", "hey")

	s.ApplyLive(msg)
	before := s.Messages(key)

	s.ApplyLive(msg)
	s.ApplyLive(msg)

	assert.Equal(t, before, s.Messages(key))
}

func TestStore_ReconcileReplacesOptimisticEntryInPlace(t *testing.T) {
	s := New()

	local := chat.Message{
		ID:              "tmp-1",
		ConversationKey: key,
		SenderID:        "alice",
		Content:         "Salut",
		CreatedAt:       base,
		CorrelationID:   "corr-1",
	}
	s.AppendLocal(local)

	msgs := s.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.DeliveryPending, msgs[0].Delivery)

	server := persisted("m1", 1, "alice", "Salut")
	s.Reconcile("corr-1", server)

	msgs = s.Messages(key)
	require.Len(t, msgs, 1, "reconcile must not duplicate the entry")
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, chat.DeliverySent, msgs[0].Delivery)
	assert.Equal(t, "Salut", msgs[0].Content)
}

func TestStore_LiveEchoBeforeReconcileIsMergedByCorrelation(t *testing.T) {
	s := New()

	local := chat.Message{
		ID:              "tmp-1",
		ConversationKey: key,
		SenderID:        "alice",
		Content:         "Salut",
		CreatedAt:       base,
		CorrelationID:   "corr-1",
	}
	s.AppendLocal(local)

	// The echo of our own send arrives from the wire before the
	// persistence call returns.
	echo := persisted("m1", 1, "alice", "Salut")
	echo.CorrelationID = "corr-1"
	s.ApplyLive(echo)

	msgs := s.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	// Reconcile lands afterwards; still exactly one entry.
	server := persisted("m1", 1, "alice", "Salut")
	s.Reconcile("corr-1", server)

	msgs = s.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, chat.DeliverySent, msgs[0].Delivery)
}

func TestStore_HistoryWinsOverOptimisticPlaceholder(t *testing.T) {
	s := New()

	local := chat.Message{
		ID:              "tmp-1",
		ConversationKey: key,
		SenderID:        "alice",
		Content:         "Salut",
		CreatedAt:       base,
		CorrelationID:   "corr-1",
	}
	s.AppendLocal(local)

	fromHistory := persisted("m1", 1, "alice", "Salut")
	fromHistory.CorrelationID = "corr-1"
	s.MergeHistory(key, []chat.Message{fromHistory})

	msgs := s.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID, "the persisted record wins over the placeholder")
	assert.True(t, s.HistoryLoaded(key))
}

func TestStore_FailedSendIsRetainedAndRetryable(t *testing.T) {
	s := New()

	local := chat.Message{
		ID:              "tmp-1",
		ConversationKey: key,
		SenderID:        "alice",
		Content:         "Salut",
		CreatedAt:       base,
		CorrelationID:   "corr-1",
	}
	s.AppendLocal(local)
	s.MarkFailed("corr-1")

	msgs := s.Messages(key)
	require.Len(t, msgs, 1, "a failed send is never removed")
	assert.Equal(t, chat.DeliveryFailed, msgs[0].Delivery)

	// Retry re-enters Pending with a fresh correlation token and the same
	// content.
	retry, ok := s.PrepareRetry(key, "tmp-1", "corr-2")
	require.True(t, ok)
	assert.Equal(t, chat.DeliveryPending, retry.Delivery)
	assert.Equal(t, "corr-2", retry.CorrelationID)
	assert.Equal(t, "Salut", retry.Content)

	server := persisted("m1", 1, "alice", "Salut")
	s.Reconcile("corr-2", server)

	msgs = s.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.DeliverySent, msgs[0].Delivery)
}

func TestStore_FailedRetentionEvictsOldestFailed(t *testing.T) {
	s := New()
	s.SetFailedRetention(2)

	for i, corr := range []string{"corr-1", "corr-2", "corr-3"} {
		s.AppendLocal(chat.Message{
			ID:              fmt.Sprintf("tmp-%d", i+1),
			ConversationKey: key,
			SenderID:        "alice",
			Content:         fmt.Sprintf("attempt %d", i+1),
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
			CorrelationID:   corr,
		})
		s.MarkFailed(corr)
	}

	// Only the two most recent failures survive the cap.
	msgs := s.Messages(key)
	require.Equal(t, []string{"tmp-2", "tmp-3"}, ids(msgs))
	for _, msg := range msgs {
		assert.Equal(t, chat.DeliveryFailed, msg.Delivery)
	}

	// An evicted entry is no longer retryable; survivors still are.
	_, ok := s.PrepareRetry(key, "tmp-1", "corr-4")
	assert.False(t, ok)
	_, ok = s.PrepareRetry(key, "tmp-2", "corr-5")
	assert.True(t, ok)
}

func TestStore_FailedRetentionIgnoresDeliveredMessages(t *testing.T) {
	s := New()
	s.SetFailedRetention(1)

	s.ApplyLive(persisted("m1", 0, "bob", "hey"))
	s.AppendLocal(chat.Message{
		ID:              "tmp-1",
		ConversationKey: key,
		SenderID:        "alice",
		Content:         "one",
		CreatedAt:       base.Add(time.Second),
		CorrelationID:   "corr-1",
	})
	s.MarkFailed("corr-1")

	// The delivered message is untouched; a single failure sits within the
	// cap.
	require.Equal(t, []string{"m1", "tmp-1"}, ids(s.Messages(key)))
}

func TestStore_PrepareRetryRejectsNonFailedMessages(t *testing.T) {
	s := New()
	s.ApplyLive(persisted("m1", 0, "bob", "hey"))

	_, ok := s.PrepareRetry(key, "m1", "corr-1")
	assert.False(t, ok, "a delivered message is not retryable")

	_, ok = s.PrepareRetry(key, "missing", "corr-1")
	assert.False(t, ok)
}

func TestStore_MarkReadFlagsEveryMessage(t *testing.T) {
	s := New()
	s.ApplyLive(persisted("m1", 0, "bob", "hey"))
	s.ApplyLive(persisted("m2", 1, "bob", "you there?"))

	s.MarkRead(key)

	for _, msg := range s.Messages(key) {
		assert.Equal(t, chat.ReadStateRead, msg.Read)
	}
}

func TestStore_ReadStateSticksThroughRedelivery(t *testing.T) {
	s := New()
	msg := persisted("m1", 0, "bob", "hey")
	s.ApplyLive(msg)
	s.MarkRead(key)

	// The same message delivered again (at-least-once) must not flip the
	// local read state back.
	s.ApplyLive(msg)

	msgs := s.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.ReadStateRead, msgs[0].Read)
}

func TestStore_ChangeNotifications(t *testing.T) {
	s := New()
	var changes []Change
	s.SetOnChange(func(c Change) { changes = append(changes, c) })

	s.ApplyLive(persisted("m1", 0, "bob", "hey"))
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeAppended, changes[0].Kind)
	assert.Equal(t, SourceLive, changes[0].Source)

	// Duplicate delivery is invisible to listeners.
	s.ApplyLive(persisted("m1", 0, "bob", "hey"))
	assert.Len(t, changes, 1)

	s.MarkRead(key)
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeMarkedRead, changes[1].Kind)
}

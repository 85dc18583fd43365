// Package store keeps the client-side message log: one deduplicated,
// ordered sequence per conversation, merged from historical fetches, the
// live event stream, and local optimistic writes.
package store

import (
	"sync"

	"converse/internal/chat"
	"converse/internal/metrics"
)

// ChangeKind classifies a visible mutation of the log.
type ChangeKind int

const (
	ChangeAppended ChangeKind = iota
	ChangeUpdated
	ChangeMarkedRead
	ChangeRemoved
)

// Source records which of the three inputs produced a change.
type Source int

const (
	SourceHistory Source = iota
	SourceLocal
	SourceLive
	SourceReconcile
)

// Change is the notification the store emits after every visible mutation.
// The conversation directory and the facade's reactive views hang off it.
type Change struct {
	Kind            ChangeKind
	Source          Source
	ConversationKey string
	Message         chat.Message
}

// Store owns the per-conversation logs exclusively. All entry points
// serialize on one mutex; change callbacks fire after it is released.
type Store struct {
	mu              sync.Mutex
	logs            map[string][]chat.Message
	corr            map[string]string // correlation token -> current message ID
	historyLoaded   map[string]bool
	failedRetention int
	onChange        func(Change)
}

func New() *Store {
	return &Store{
		logs:          make(map[string][]chat.Message),
		corr:          make(map[string]string),
		historyLoaded: make(map[string]bool),
	}
}

// SetOnChange registers the single change listener. Must be called before
// the store receives traffic.
func (s *Store) SetOnChange(fn func(Change)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// SetFailedRetention caps how many Failed messages one conversation keeps.
// Zero keeps every failed send.
func (s *Store) SetFailedRetention(n int) {
	s.mu.Lock()
	s.failedRetention = n
	s.mu.Unlock()
}

// Messages returns a copy of the visible sequence for conversationKey,
// sorted by (CreatedAt, ID).
func (s *Store) Messages(conversationKey string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[conversationKey]
	out := make([]chat.Message, len(log))
	copy(out, log)
	return out
}

// HistoryLoaded reports whether MergeHistory already ran for the key, so
// the facade fetches history at most once per conversation.
func (s *Store) HistoryLoaded(conversationKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLoaded[conversationKey]
}

// MergeHistory folds a one-shot history fetch into the log. Persisted
// records win over optimistic placeholders carrying the same correlation
// token; records already present are absorbed without a visible change.
func (s *Store) MergeHistory(conversationKey string, msgs []chat.Message) {
	s.mu.Lock()
	var changes []Change
	for _, msg := range msgs {
		if msg.Delivery == "" {
			msg.Delivery = chat.DeliverySent
		}
		if msg.Read == "" {
			msg.Read = chat.ReadStateUnread
		}
		changes = append(changes, s.upsertPersisted(conversationKey, msg, SourceHistory)...)
	}
	s.historyLoaded[conversationKey] = true
	s.mu.Unlock()
	s.emit(changes)
}

// AppendLocal inserts an optimistic Pending entry carrying a client
// temporary ID and a correlation token.
func (s *Store) AppendLocal(msg chat.Message) {
	s.mu.Lock()
	msg.Delivery = chat.DeliveryPending
	msg.Read = chat.ReadStateRead
	s.insert(msg.ConversationKey, msg)
	if msg.CorrelationID != "" {
		s.corr[msg.CorrelationID] = msg.ID
	}
	s.mu.Unlock()
	s.emit([]Change{{
		Kind:            ChangeAppended,
		Source:          SourceLocal,
		ConversationKey: msg.ConversationKey,
		Message:         msg,
	}})
}

// Reconcile replaces the optimistic entry matched by correlationID with the
// server-assigned record. The temp entry is removed in place; no duplicate
// is ever created, including when the live echo arrived first.
func (s *Store) Reconcile(correlationID string, server chat.Message) {
	s.mu.Lock()
	server.Delivery = chat.DeliverySent
	server.CorrelationID = correlationID
	changes := s.upsertPersisted(server.ConversationKey, server, SourceReconcile)
	s.mu.Unlock()
	s.emit(changes)
}

// MarkFailed transitions the pending entry for correlationID to Failed.
// The entry is retained so the user can see the send did not succeed and
// retry it; only the optional retention cap ever removes failed entries,
// and nothing is silently re-sent.
func (s *Store) MarkFailed(correlationID string) {
	s.mu.Lock()
	var changes []Change
	if id, ok := s.corr[correlationID]; ok {
		if key, i, found := s.locate(id); found {
			s.logs[key][i].Delivery = chat.DeliveryFailed
			changes = append(changes, Change{
				Kind:            ChangeUpdated,
				Source:          SourceReconcile,
				ConversationKey: key,
				Message:         s.logs[key][i],
			})
			changes = append(changes, s.enforceFailedRetention(key)...)
		}
	}
	s.mu.Unlock()
	s.emit(changes)
}

// enforceFailedRetention evicts the oldest Failed entries beyond the cap,
// keeping the most recent ones. Caller holds the lock.
func (s *Store) enforceFailedRetention(conversationKey string) []Change {
	if s.failedRetention <= 0 {
		return nil
	}

	log := s.logs[conversationKey]
	failed := 0
	for i := range log {
		if log[i].Delivery == chat.DeliveryFailed {
			failed++
		}
	}

	var changes []Change
	for i := 0; failed > s.failedRetention && i < len(s.logs[conversationKey]); {
		msg := s.logs[conversationKey][i]
		if msg.Delivery != chat.DeliveryFailed {
			i++
			continue
		}
		delete(s.corr, msg.CorrelationID)
		s.removeAt(conversationKey, i)
		failed--
		changes = append(changes, Change{
			Kind:            ChangeRemoved,
			Source:          SourceLocal,
			ConversationKey: conversationKey,
			Message:         msg,
		})
	}
	return changes
}

// PrepareRetry re-enters the send state machine for a Failed message with a
// fresh correlation token. It returns the Pending message to re-persist, or
// false when the message is unknown or not in Failed state.
func (s *Store) PrepareRetry(conversationKey, messageID, newCorrelationID string) (chat.Message, bool) {
	s.mu.Lock()
	log := s.logs[conversationKey]
	idx := -1
	for i := range log {
		if log[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 || log[idx].Delivery != chat.DeliveryFailed {
		s.mu.Unlock()
		return chat.Message{}, false
	}
	delete(s.corr, log[idx].CorrelationID)
	log[idx].Delivery = chat.DeliveryPending
	log[idx].CorrelationID = newCorrelationID
	s.corr[newCorrelationID] = messageID
	msg := log[idx]
	s.mu.Unlock()

	s.emit([]Change{{
		Kind:            ChangeUpdated,
		Source:          SourceLocal,
		ConversationKey: conversationKey,
		Message:         msg,
	}})
	return msg, true
}

// ApplyLive folds one event from the live stream into the log. Duplicate
// deliveries and echoes of this client's own sends are absorbed without a
// visible change.
func (s *Store) ApplyLive(msg chat.Message) {
	s.mu.Lock()
	if msg.Delivery == "" {
		msg.Delivery = chat.DeliverySent
	}
	if msg.Read == "" {
		msg.Read = chat.ReadStateUnread
	}
	changes := s.upsertPersisted(msg.ConversationKey, msg, SourceLive)
	s.mu.Unlock()
	s.emit(changes)
}

// MarkRead flags every message in the conversation as read. Local-only; the
// gate "conversation is currently open" is enforced by the facade. Emits a
// single change so the directory zeroes the unread counter.
func (s *Store) MarkRead(conversationKey string) {
	s.mu.Lock()
	log := s.logs[conversationKey]
	for i := range log {
		log[i].Read = chat.ReadStateRead
	}
	s.mu.Unlock()

	// The marker fires even when nothing flipped, so opening an
	// already-read conversation still zeroes a stale counter.
	s.emit([]Change{{
		Kind:            ChangeMarkedRead,
		ConversationKey: conversationKey,
	}})
}

// upsertPersisted is the shared merge path for history, live, and
// reconciled records. Caller holds the lock.
func (s *Store) upsertPersisted(conversationKey string, msg chat.Message, source Source) []Change {
	// A persisted record always wins over the optimistic placeholder that
	// carries the same correlation token.
	if msg.CorrelationID != "" {
		if currentID, ok := s.corr[msg.CorrelationID]; ok && currentID != msg.ID {
			if key, i, found := s.locate(currentID); found {
				// Own send: keep it marked read on this side.
				if s.logs[key][i].Read == chat.ReadStateRead {
					msg.Read = chat.ReadStateRead
				}
				s.removeAt(key, i)
			}
		}
		s.corr[msg.CorrelationID] = msg.ID
	}

	log := s.logs[conversationKey]
	for i := range log {
		if log[i].ID == msg.ID {
			if log[i] == msg {
				metrics.DuplicatesDropped.Inc()
				return nil
			}
			// Re-delivery with refreshed fields: local read state sticks.
			if log[i].Read == chat.ReadStateRead {
				msg.Read = chat.ReadStateRead
			}
			log[i] = msg
			return []Change{{
				Kind:            ChangeUpdated,
				Source:          source,
				ConversationKey: conversationKey,
				Message:         msg,
			}}
		}
	}

	s.insert(conversationKey, msg)
	return []Change{{
		Kind:            ChangeAppended,
		Source:          source,
		ConversationKey: conversationKey,
		Message:         msg,
	}}
}

// insert places msg at its (CreatedAt, ID) position. Caller holds the lock.
func (s *Store) insert(conversationKey string, msg chat.Message) {
	log := s.logs[conversationKey]
	lo, hi := 0, len(log)
	for lo < hi {
		mid := (lo + hi) / 2
		if log[mid].Before(msg) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	log = append(log, chat.Message{})
	copy(log[lo+1:], log[lo:])
	log[lo] = msg
	s.logs[conversationKey] = log
}

func (s *Store) locate(messageID string) (string, int, bool) {
	for key, log := range s.logs {
		for i := range log {
			if log[i].ID == messageID {
				return key, i, true
			}
		}
	}
	return "", 0, false
}

func (s *Store) removeAt(conversationKey string, i int) {
	log := s.logs[conversationKey]
	s.logs[conversationKey] = append(log[:i], log[i+1:]...)
}

func (s *Store) emit(changes []Change) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn == nil {
		return
	}
	for _, change := range changes {
		fn(change)
	}
}

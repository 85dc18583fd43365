// Package chat holds the domain types shared by the messaging engine:
// messages, conversations, and the collaborator interfaces the engine
// consumes (persistence, identity).
package chat

import (
	"context"
	"sort"
	"strings"
	"time"
)

// DeliveryState tracks a message through the send state machine.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// ReadState marks whether the viewing party has seen the message.
type ReadState string

const (
	ReadStateUnread ReadState = "unread"
	ReadStateRead   ReadState = "read"
)

// Message is the engine's view of a single chat message. Optimistic local
// entries carry a client-generated temporary ID plus a CorrelationID that
// links them to the eventual server-persisted record.
type Message struct {
	ID              string        `json:"id"`
	ConversationKey string        `json:"conversationKey"`
	SenderID        string        `json:"senderId"`
	Content         string        `json:"content"`
	CreatedAt       time.Time     `json:"createdAt"`
	Delivery        DeliveryState `json:"delivery"`
	Read            ReadState     `json:"read"`
	CorrelationID   string        `json:"correlationId,omitempty"`
}

// Before reports whether m sorts strictly before other in the
// (CreatedAt, ID) total order used within a conversation.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Participant carries the display metadata for the other side of a
// conversation.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Conversation is one thread with a single counterpart, as surfaced in the
// conversation list.
type Conversation struct {
	ID                 string      `json:"id"`
	OtherParticipant   Participant `json:"otherParticipant"`
	LastMessagePreview string      `json:"lastMessagePreview"`
	LastActivityAt     time.Time   `json:"lastActivityAt"`
	UnreadCount        int         `json:"unreadCount"`
}

// Key normalizes the unordered participant pair into the conversation key.
// Both participants compute the same key regardless of argument order.
func Key(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// Counterpart returns the participant in key that is not userID. The empty
// string is returned when userID is not part of the key.
func Counterpart(key, userID string) string {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	switch userID {
	case parts[0]:
		return parts[1]
	case parts[1]:
		return parts[0]
	}
	return ""
}

// Persistence is the durable-storage collaborator. The engine never talks to
// the database directly; it fetches history and conversation summaries and
// persists outbound messages through this interface.
type Persistence interface {
	FetchHistory(ctx context.Context, conversationKey string) ([]Message, error)
	FetchConversationList(ctx context.Context, userID string) ([]Conversation, error)
	PersistMessage(ctx context.Context, msg Message) (Message, error)
}

// Identity resolves the current user. An error means no one is signed in
// and the facade must refuse all operations.
type Identity interface {
	CurrentUserID() (string, error)
}

// Profiles looks up display metadata for conversation counterparts.
type Profiles interface {
	Profile(ctx context.Context, userID string) (Participant, error)
}

// Package channel implements the event channel the engine multiplexes all
// realtime traffic over: topic-scoped subscribe/publish with at-least-once
// delivery and automatic reconnection.
package channel

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event discriminators carried in the envelope.
const (
	EventMessage     = "message"
	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"
	EventHeartbeat   = "heartbeat"
)

// PresenceTopic is the single global topic heartbeats travel on. Message and
// typing traffic is scoped per conversation key.
const PresenceTopic = "presence"

func MessageTopic(conversationKey string) string {
	return "conv:" + conversationKey + ":messages"
}

func TypingTopic(conversationKey string) string {
	return "conv:" + conversationKey + ":typing"
}

// Event is the wire envelope. Payload is decoded by the consumer according
// to Type.
type Event struct {
	Type            string          `json:"type"`
	ConversationKey string          `json:"conversationKey,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	SentAt          time.Time       `json:"sentAt"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an envelope with payload marshaled in place.
func NewEvent(eventType, conversationKey, userID string, payload interface{}) (Event, error) {
	ev := Event{
		Type:            eventType,
		ConversationKey: conversationKey,
		UserID:          userID,
		SentAt:          time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		ev.Payload = data
	}
	return ev, nil
}

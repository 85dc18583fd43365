// Package repository implements the persistence collaborator over MySQL.
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"converse/internal/chat"
	"converse/internal/dbmysql"
)

type chatRepo struct {
	db *gorm.DB
}

// NewChatRepository returns the gorm-backed persistence collaborator.
func NewChatRepository(db *gorm.DB) chat.Persistence {
	return &chatRepo{db: db}
}

// FetchHistory returns the persisted messages of one conversation in
// (SentAt, MessageID) order.
func (r *chatRepo) FetchHistory(ctx context.Context, conversationKey string) ([]chat.Message, error) {
	var rows []*dbmysql.Message
	err := r.db.WithContext(ctx).
		Where("conversation_key = ?", conversationKey).
		Order("sent_at ASC, message_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", conversationKey, err)
	}

	msgs := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, toDomain(row))
	}
	return msgs, nil
}

// FetchConversationList returns one summary per counterpart the user has
// exchanged messages with, most recently active first. Unread counts are a
// client-side concern (read state never persists) and start at zero.
func (r *chatRepo) FetchConversationList(ctx context.Context, userID string) ([]chat.Conversation, error) {
	var rows []*dbmysql.Conversation
	err := r.db.WithContext(ctx).
		Where("participant_a = ? OR participant_b = ?", userID, userID).
		Order("last_activity_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations for %s: %w", userID, err)
	}

	convs := make([]chat.Conversation, 0, len(rows))
	for _, row := range rows {
		counterpart := row.ParticipantA
		if counterpart == userID {
			counterpart = row.ParticipantB
		}
		convs = append(convs, chat.Conversation{
			ID:                 row.ConversationKey,
			OtherParticipant:   chat.Participant{UserID: counterpart, DisplayName: counterpart},
			LastMessagePreview: row.LastMessagePreview,
			LastActivityAt:     row.LastActivityAt,
		})
	}
	return convs, nil
}

// PersistMessage stores one outbound message under a server-assigned ID and
// timestamp and refreshes the conversation summary row in the same
// transaction.
func (r *chatRepo) PersistMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.ConversationKey == "" || msg.SenderID == "" || msg.Content == "" {
		return chat.Message{}, fmt.Errorf("message is missing conversation key, sender, or content")
	}

	row := &dbmysql.Message{
		MessageID:       uuid.NewString(),
		ConversationKey: msg.ConversationKey,
		SenderID:        msg.SenderID,
		Content:         msg.Content,
		CorrelationID:   msg.CorrelationID,
		SentAt:          time.Now().UTC(),
	}

	participantA, participantB := splitKey(msg.ConversationKey)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		summary := &dbmysql.Conversation{
			ConversationKey:    msg.ConversationKey,
			ParticipantA:       participantA,
			ParticipantB:       participantB,
			LastMessagePreview: msg.Content,
			LastActivityAt:     row.SentAt,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_message_preview", "last_activity_at"}),
		}).Create(summary).Error
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}

	return toDomain(row), nil
}

func toDomain(row *dbmysql.Message) chat.Message {
	return chat.Message{
		ID:              row.MessageID,
		ConversationKey: row.ConversationKey,
		SenderID:        row.SenderID,
		Content:         row.Content,
		CreatedAt:       row.SentAt,
		Delivery:        chat.DeliverySent,
		Read:            chat.ReadStateUnread,
		CorrelationID:   row.CorrelationID,
	}
}

func splitKey(conversationKey string) (string, string) {
	parts := strings.SplitN(conversationKey, ":", 2)
	if len(parts) != 2 {
		return conversationKey, ""
	}
	return parts[0], parts[1]
}

package dbmysql

import (
	"time"
)

type Message struct {
	ID              uint   `gorm:"primaryKey"`
	MessageID       string `gorm:"uniqueIndex;size:36"`
	ConversationKey string `gorm:"index;size:128"`
	SenderID        string `gorm:"index;size:36"`
	Content         string `gorm:"type:text"`
	CorrelationID   string `gorm:"size:36"`
	SentAt          time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

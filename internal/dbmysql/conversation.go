package dbmysql

import (
	"time"
)

type Conversation struct {
	ConversationKey    string `gorm:"primaryKey;size:128"`
	ParticipantA       string `gorm:"index;size:36"`
	ParticipantB       string `gorm:"index;size:36"`
	LastMessagePreview string `gorm:"size:512"`
	LastActivityAt     time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

package domain

import "time"

// SubmissionKey records a user message accepted under an Idempotency-Key,
// keyed by (session_id, conversation_id, key). A retried submission with the
// same key returns the stored message instead of persisting and scoring the
// text a second time.
type SubmissionKey struct {
	ID             string    `gorm:"type:char(36);primaryKey"`
	SessionID      string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_session_conv_key,priority:1"`
	ConversationID uint      `gorm:"not null;uniqueIndex:ux_session_conv_key,priority:2"`
	Key            string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_session_conv_key,priority:3"`
	MessageID      uint      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (SubmissionKey) TableName() string { return "submission_keys" }

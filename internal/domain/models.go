// Package domain defines the persistence models for conversations and
// messages. These types are mapped with GORM and form the core data layer
// of the crisis chat service.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Conversation modes. Any other value is stored as-is and treated as
// automated handling.
const (
	ModeAI      = "ai"
	ModeMonitor = "monitor"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusEscalated ConversationStatus = "escalated"
	StatusResolved  ConversationStatus = "resolved"
	StatusClosed    ConversationStatus = "closed"
)

// Message senders accepted by the store.
const (
	SenderUser    = "user"
	SenderAI      = "ai"
	SenderMonitor = "monitor"
	SenderSystem  = "system"
)

// ValidSender reports whether s is one of the recognized message senders.
func ValidSender(s string) bool {
	switch s {
	case SenderUser, SenderAI, SenderMonitor, SenderSystem:
		return true
	}
	return false
}

// EscalationLevel mirrors the risk grade on a persisted message.
type EscalationLevel string

const (
	EscalationNone     EscalationLevel = "none"
	EscalationLow      EscalationLevel = "low"
	EscalationMedium   EscalationLevel = "medium"
	EscalationHigh     EscalationLevel = "high"
	EscalationCritical EscalationLevel = "critical"
)

// Conversation is a chat between an anonymous user, the automated
// responder and, once escalated, human monitors.
//
// Fields:
//   - Mode: "ai" for automated replies, "monitor" once a human took control.
//   - Status: active -> escalated -> resolved/closed.
//   - Active: false once the conversation is archived.
//   - UserConnected: whether a user connection is currently subscribed.
//   - LastActivity: refreshed on user messages, joins and heartbeats.
type Conversation struct {
	ID            uint               `json:"id"             gorm:"primaryKey"`
	Title         *string            `json:"title,omitempty" gorm:"type:varchar(255)"`
	Mode          string             `json:"mode"           gorm:"type:varchar(32);not null"`
	Status        ConversationStatus `json:"status"         gorm:"type:varchar(16);not null;index:idx_conv_attention,priority:1"`
	Active        bool               `json:"active"         gorm:"not null"`
	UserConnected bool               `json:"user_connected" gorm:"not null;index:idx_conv_attention,priority:2"`
	LastActivity  time.Time          `json:"last_activity"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"     gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message is a single utterance within a conversation. User messages carry
// the serialized crisis analysis in ExtraData once scored.
type Message struct {
	ID                    uint            `json:"id"                gorm:"primaryKey"`
	Sender                string          `json:"sender"            gorm:"type:varchar(16);not null;check:sender IN ('user','ai','monitor','system')"`
	Text                  string          `json:"text"              gorm:"type:text;not null"`
	ConversationID        uint            `json:"conversation_id"   gorm:"not null;index:idx_conv_msgs,priority:1"`
	UserID                *string         `json:"user_id,omitempty" gorm:"type:varchar(64)"`
	SessionID             *string         `json:"session_id,omitempty" gorm:"type:varchar(64);index"`
	CreatedAt             time.Time       `json:"created_at"        gorm:"index:idx_conv_msgs,priority:2"`
	Flagged               bool            `json:"flagged"           gorm:"not null;index:idx_flagged_pending,priority:1"`
	RiskLevel             *string         `json:"risk_level"        gorm:"type:varchar(16)"`
	EscalationLevel       EscalationLevel `json:"escalation_level"  gorm:"type:varchar(16);not null"`
	Notified              bool            `json:"notified"          gorm:"not null;index:idx_flagged_pending,priority:2"`
	InterventionTimestamp *time.Time      `json:"intervention_timestamp,omitempty"`
	ExtraData             datatypes.JSON  `json:"extra_data,omitempty"`

	// Conversation owns its messages; they go when it goes.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Package realtime routes live connections to conversations and monitor
// pools. It fans out messages, runs the scoring pipeline in the background
// after a user message has been shown, and pages monitors on crisis alerts.
package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tbourn/go-crisis-chat/internal/crisis"
	"github.com/tbourn/go-crisis-chat/internal/domain"
)

// Inbound event names.
const (
	EventJoinConversation  = "join_conversation"
	EventJoinMonitor       = "join_monitor"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventHeartbeat         = "heartbeat"
)

// Outbound event names.
const (
	EventConnected             = "connected"
	EventJoinedConversation    = "joined_conversation"
	EventJoinedMonitor         = "joined_monitor"
	EventError                 = "error"
	EventNewMessage            = "new_message"
	EventMessageUpdated        = "message_updated"
	EventUserTyping            = "user_typing"
	EventCrisisAlert           = "crisis_alert"
	EventMonitorJoined         = "monitor_joined"
	EventConversationEscalated = "conversation_escalated"
	EventUserDisconnected      = "user_disconnected"
)

// Event is one frame on the wire: {"event": name, "data": payload}.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Envelope is an inbound frame whose payload is decoded by Dispatch.
type Envelope struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// ConversationID accepts both JSON numbers and numeric strings, since
// browser clients often send ids read from the DOM.
type ConversationID uint

// UnmarshalJSON implements json.Unmarshaler.
func (c *ConversationID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*c = 0
			return nil
		}
		b = []byte(s)
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("conversation_id: %w", err)
	}
	*c = ConversationID(n)
	return nil
}

// Inbound payloads.

type JoinConversationData struct {
	ConversationID ConversationID `json:"conversation_id"`
	UserType       string         `json:"user_type"`
}

type JoinMonitorData struct {
	MonitorID string `json:"monitor_id"`
	Token     string `json:"token"`
}

type LeaveConversationData struct {
	ConversationID ConversationID `json:"conversation_id"`
}

type SendMessageData struct {
	ConversationID ConversationID `json:"conversation_id"`
	Message        string         `json:"message"`
	Sender         string         `json:"sender"`
	SessionID      string         `json:"session_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type TypingData struct {
	ConversationID ConversationID `json:"conversation_id"`
	User           string         `json:"user"`
}

type HeartbeatData struct {
	ConversationID ConversationID `json:"conversation_id"`
}

// Outbound payloads.

// MessageView is the wire form of a stored message.
type MessageView struct {
	ID             uint      `json:"id"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	ConversationID uint      `json:"conversation_id"`
	SessionID      *string   `json:"session_id,omitempty"`
	Flagged        bool      `json:"flagged"`
	RiskLevel      *string   `json:"risk_level"`
}

// ViewOf converts a stored message to its wire form.
func ViewOf(m *domain.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		Sender:         m.Sender,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
		ConversationID: m.ConversationID,
		SessionID:      m.SessionID,
		Flagged:        m.Flagged,
		RiskLevel:      m.RiskLevel,
	}
}

type NewMessageData struct {
	ConversationID uint        `json:"conversation_id"`
	Message        MessageView `json:"message"`
}

type MessageUpdatedData struct {
	ConversationID uint   `json:"conversation_id"`
	MessageID      uint   `json:"message_id"`
	Flagged        bool   `json:"flagged"`
	RiskLevel      string `json:"risk_level"`
}

type CrisisAlertData struct {
	ConversationID uint            `json:"conversation_id"`
	MessageID      uint            `json:"message_id"`
	Analysis       crisis.Analysis `json:"analysis"`
	Message        string          `json:"message"`
	Timestamp      time.Time       `json:"timestamp"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type ConversationRef struct {
	ConversationID uint `json:"conversation_id"`
}

type ConnectedData struct {
	ConnectionID string `json:"connection_id"`
}

type JoinedMonitorData struct {
	MonitorID string `json:"monitor_id"`
}

type TypingNotice struct {
	ConversationID uint   `json:"conversation_id"`
	User           string `json:"user"`
}

type MonitorJoinedData struct {
	ConversationID uint   `json:"conversation_id"`
	MonitorID      string `json:"monitor_id"`
}

type EscalatedData struct {
	ConversationID uint   `json:"conversation_id"`
	Status         string `json:"status"`
	RiskLevel      string `json:"risk_level,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func errorEvent(msg string) Event { return Event{Name: EventError, Data: ErrorData{Message: msg}} }

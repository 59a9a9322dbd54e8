package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// Dispatch decodes one inbound frame and routes it. Malformed payloads and
// unknown events are answered with an error event on the same connection.
func (h *Hub) Dispatch(ctx context.Context, connID string, env Envelope) error {
	switch env.Name {
	case EventJoinConversation:
		var d JoinConversationData
		if err := decode(env.Data, &d); err != nil {
			return h.fail(connID, err.Error())
		}
		role := RoleUser
		if d.UserType == string(RoleMonitor) {
			role = RoleMonitor
		}
		return h.Join(ctx, connID, uint(d.ConversationID), role)

	case EventJoinMonitor:
		var d JoinMonitorData
		if err := decode(env.Data, &d); err != nil {
			return h.fail(connID, err.Error())
		}
		return h.JoinMonitor(connID, d.MonitorID, d.Token)

	case EventLeaveConversation:
		var d LeaveConversationData
		if err := decode(env.Data, &d); err != nil {
			return h.fail(connID, err.Error())
		}
		return h.Leave(ctx, connID, uint(d.ConversationID))

	case EventSendMessage:
		var d SendMessageData
		if err := decode(env.Data, &d); err != nil {
			return h.fail(connID, err.Error())
		}
		return h.SendMessage(ctx, connID, d)

	case EventTyping:
		var d TypingData
		if err := decode(env.Data, &d); err != nil {
			return nil
		}
		h.Typing(connID, uint(d.ConversationID), d.User)
		return nil

	case EventHeartbeat:
		var d HeartbeatData
		if err := decode(env.Data, &d); err != nil {
			return nil
		}
		h.Heartbeat(ctx, uint(d.ConversationID))
		return nil
	}
	return h.fail(connID, fmt.Sprintf("unknown event %q", env.Name))
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

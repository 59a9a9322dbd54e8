package realtime

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-crisis-chat/internal/crisis"
	"github.com/tbourn/go-crisis-chat/internal/observability"
)

// Notifier pages every connected monitor about a crisis. Delivery is best
// effort: with no monitor connected the alert is dropped and logged.
type Notifier struct {
	conversations Conversations
	monitors      func() []Conn
	log           *zerolog.Logger
}

// Broadcast sends a crisis_alert for messageID to every monitor connection
// and returns how many accepted it. The conversation is re-read first; if
// its user is gone the alert is suppressed. When at least one monitor got
// the alert the message is marked notified.
func (n *Notifier) Broadcast(ctx context.Context, conversationID, messageID uint, a crisis.Analysis, text string) int {
	l := n.log.With().
		Uint("conversation_id", conversationID).
		Uint("message_id", messageID).
		Str("risk_level", a.RiskLevel.String()).
		Logger()

	conv, err := n.conversations.Get(ctx, conversationID)
	if err != nil {
		l.Warn().Err(err).Msg("crisis alert dropped: conversation unavailable")
		observability.ObserveAlert(observability.AlertDropped)
		return 0
	}
	if !conv.UserConnected {
		l.Warn().Msg("crisis alert suppressed: user disconnected")
		observability.ObserveAlert(observability.AlertSuppressed)
		return 0
	}

	targets := n.monitors()
	if len(targets) == 0 {
		l.Warn().Msg("crisis alert dropped: no monitors connected")
		observability.ObserveAlert(observability.AlertDropped)
		return 0
	}

	ev := Event{Name: EventCrisisAlert, Data: CrisisAlertData{
		ConversationID: conversationID,
		MessageID:      messageID,
		Analysis:       a,
		Message:        text,
		Timestamp:      now(),
	}}
	delivered := 0
	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			l.Warn().Err(err).Str("connection_id", c.ID()).Msg("crisis alert not queued")
			continue
		}
		delivered++
	}
	if delivered == 0 {
		observability.ObserveAlert(observability.AlertDropped)
		return 0
	}

	observability.ObserveAlert(observability.AlertSent)
	l.Info().Int("monitors", delivered).Msg("crisis alert sent")
	if messageID != 0 {
		if err := n.conversations.MarkNotified(ctx, messageID); err != nil {
			l.Error().Err(err).Msg("mark notified")
		}
	}
	return delivered
}

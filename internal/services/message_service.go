// Package services – MessageService
//
// MessageService owns the message lifecycle: user submissions (persisted
// before scoring, optionally deduplicated by an idempotency key), monitor
// messages, and the scoring pipeline that runs after a user message has been
// shown. The pipeline never holds a transaction across a call to the
// generation backend.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// conversation and message identifiers.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-crisis-chat/internal/crisis"
	"github.com/tbourn/go-crisis-chat/internal/domain"
	"github.com/tbourn/go-crisis-chat/internal/observability"
	"github.com/tbourn/go-crisis-chat/internal/repo"
)

// Analyzer scores a message. history holds earlier user texts of the same
// session, oldest first.
type Analyzer interface {
	Analyze(ctx context.Context, text string, history []string) crisis.Analysis
}

// Replier generates a supportive reply.
type Replier interface {
	Ask(ctx context.Context, prompt, model string) (string, error)
}

const replyInstruction = `Você é um assistente de apoio emocional em português do Brasil.
Responda com empatia, em poucas frases, sem julgamentos e sem dar diagnósticos.
Se a pessoa mencionar risco à própria vida, incentive-a a buscar ajuda imediata.`

// MessageService coordinates message persistence and the scoring pipeline.
type MessageService struct {
	DB       *gorm.DB
	Detector Analyzer
	Replier  Replier

	// ChatModel is passed to Replier.Ask ("" selects the backend default).
	ChatModel string
	// Hotline is named in the immediate support message.
	Hotline string
	// ContextMessages bounds the history given to the judge and the reply prompt.
	ContextMessages int
	// MaxMessageRunes rejects longer texts when > 0.
	MaxMessageRunes int
	// IdempotencyTTL is how long a submission key replays its message.
	IdempotencyTTL time.Duration

	// Log defaults to the global logger when nil.
	Log *zerolog.Logger
}

func (s *MessageService) logger() *zerolog.Logger {
	if s.Log == nil {
		return &log.Logger
	}
	return s.Log
}

func msgTracer() trace.Tracer { return otel.Tracer("services/MessageService") }

func (s *MessageService) validate(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if s.MaxMessageRunes > 0 && utf8.RuneCountInString(text) > s.MaxMessageRunes {
		return "", ErrTooLong
	}
	return text, nil
}

// UserSubmission is a message typed by the person seeking support.
type UserSubmission struct {
	ConversationID uint
	Text           string
	SessionID      *string
	UserID         *string
	// IdempotencyKey, when set, makes retried submissions return the
	// originally stored message instead of creating a second one.
	IdempotencyKey string
}

func (u UserSubmission) session() string {
	if u.SessionID == nil {
		return ""
	}
	return *u.SessionID
}

var errKeyRace = errors.New("submission key taken concurrently")

// SubmitUserMessage persists a user message and marks the user connected.
// It does not score the message; callers fan it out first and then run
// AnalyzeAndRespond. replay reports that the message was stored by an
// earlier submission with the same idempotency key.
func (s *MessageService) SubmitUserMessage(ctx context.Context, in UserSubmission) (msg *domain.Message, replay bool, err error) {
	ctx, span := msgTracer().Start(ctx, "SubmitUserMessage",
		trace.WithAttributes(attribute.Int64("conversation.id", int64(in.ConversationID))))
	defer span.End()

	text, err := s.validate(in.Text)
	if err != nil {
		return nil, false, err
	}
	key := strings.TrimSpace(in.IdempotencyKey)

	if m, ok, err := s.replayed(ctx, in, key); err != nil || ok {
		return m, ok, err
	}

	now := time.Now().UTC()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.GetConversation(ctx, tx, in.ConversationID); err != nil {
			return mapNotFound(err, ErrConversationNotFound)
		}
		m := &domain.Message{
			Sender:         domain.SenderUser,
			Text:           text,
			ConversationID: in.ConversationID,
			UserID:         in.UserID,
			SessionID:      in.SessionID,
			CreatedAt:      now,
		}
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return err
		}
		if err := repo.SetUserConnected(ctx, tx, in.ConversationID, true, now); err != nil {
			return err
		}
		if key != "" {
			if _, err := repo.CreateSubmission(ctx, tx, in.session(), in.ConversationID, key, m.ID, s.IdempotencyTTL); err != nil {
				if errors.Is(err, repo.ErrDuplicate) {
					return errKeyRace
				}
				return err
			}
		}
		msg = m
		return nil
	})
	if errors.Is(err, errKeyRace) {
		m, ok, rerr := s.replayed(ctx, in, key)
		if rerr == nil && !ok {
			rerr = fmt.Errorf("replay submission: %w", ErrMessageNotFound)
		}
		return m, ok, rerr
	}
	if err != nil {
		return nil, false, err
	}
	return msg, false, nil
}

func (s *MessageService) replayed(ctx context.Context, in UserSubmission, key string) (*domain.Message, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	rec, err := repo.GetSubmission(ctx, s.DB, in.session(), in.ConversationID, key, time.Now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m, err := repo.GetMessage(ctx, s.DB, rec.MessageID)
	if err != nil {
		return nil, false, mapNotFound(err, ErrMessageNotFound)
	}
	return m, true, nil
}

// SubmitMonitorMessage persists a message written by a monitor. The
// conversation must already be in monitor mode. Monitor messages are never
// scored.
func (s *MessageService) SubmitMonitorMessage(ctx context.Context, conversationID uint, monitorID, text string) (*domain.Message, error) {
	ctx, span := msgTracer().Start(ctx, "SubmitMonitorMessage",
		trace.WithAttributes(
			attribute.Int64("conversation.id", int64(conversationID)),
			attribute.String("monitor.id", monitorID),
		))
	defer span.End()

	text, err := s.validate(text)
	if err != nil {
		return nil, err
	}
	var out *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.GetConversation(ctx, tx, conversationID)
		if err != nil {
			return mapNotFound(err, ErrConversationNotFound)
		}
		if c.Mode != domain.ModeMonitor {
			return ErrMonitorNotInControl
		}
		var uid *string
		if monitorID != "" {
			uid = &monitorID
		}
		m := &domain.Message{
			Sender:         domain.SenderMonitor,
			Text:           text,
			ConversationID: conversationID,
			UserID:         uid,
			CreatedAt:      time.Now().UTC(),
		}
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// Outcome is what the pipeline did for one user message.
type Outcome struct {
	// Message is the scored user message as stored.
	Message *domain.Message
	// Analysis is the combined risk decision.
	Analysis crisis.Analysis
	// Reply is the automated message stored after scoring, if any: either
	// the immediate support message or a generated reply.
	Reply *domain.Message
	// Escalated reports that this message moved the conversation to
	// escalated.
	Escalated bool
}

// AnalyzeAndRespond scores a stored user message, persists the analysis,
// escalates when a human is required, and stores at most one automated
// reply.
//
// Reply rules, evaluated against the conversation as it was before this
// message:
//   - mode "monitor": nothing is generated.
//   - critical risk and no support message sent yet in this conversation:
//     the fixed support message naming the hotline, whatever the status.
//   - already escalated: deferred until a monitor acts.
//   - otherwise: a reply from the generation backend; a backend failure
//     stores nothing.
func (s *MessageService) AnalyzeAndRespond(ctx context.Context, messageID uint) (*Outcome, error) {
	ctx, span := msgTracer().Start(ctx, "AnalyzeAndRespond",
		trace.WithAttributes(attribute.Int64("message.id", int64(messageID))))
	defer span.End()

	m, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil {
		return nil, mapNotFound(err, ErrMessageNotFound)
	}
	if m.Sender != domain.SenderUser {
		return nil, ErrInvalidSender
	}

	recent, err := repo.ListRecentMessages(ctx, s.DB, m.ConversationID, m.SessionID, m.ID, s.ContextMessages)
	if err != nil {
		return nil, err
	}
	history := userTexts(recent)

	a := s.Detector.Analyze(ctx, m.Text, history)
	observability.ObserveAnalysis(a.RiskLevel.String(), a.Details.Judge.Error)
	if a.Details.Judge.Error != "" {
		s.logger().Warn().
			Uint("conversation_id", m.ConversationID).
			Uint("message_id", m.ID).
			Str("error", a.Details.Judge.Error).
			Msg("judge degraded")
	}
	span.SetAttributes(attribute.String("crisis.risk_level", a.RiskLevel.String()))

	cols, err := analysisColumns(a)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Analysis: a}
	var conv domain.Conversation
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.GetConversation(ctx, tx, m.ConversationID)
		if err != nil {
			return mapNotFound(err, ErrConversationNotFound)
		}
		conv = *c
		if err := repo.UpdateMessageAnalysis(ctx, tx, m.ID, cols); err != nil {
			return err
		}
		now := time.Now().UTC()

		if a.RequiresHuman && c.Status == domain.StatusActive {
			if err := repo.UpdateConversationStatus(ctx, tx, c.ID, domain.StatusEscalated); err != nil {
				return err
			}
			if err := repo.CreateMessage(ctx, tx, &domain.Message{
				Sender:         domain.SenderSystem,
				Text:           fmt.Sprintf("Conversa escalada automaticamente: risco %s", a.RiskLevel),
				ConversationID: c.ID,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
			out.Escalated = true
		}

		if a.RiskLevel == crisis.Critical && c.Mode != domain.ModeMonitor {
			sent, err := repo.HasIntervention(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if sent {
				return nil
			}
			if err := repo.MarkIntervention(ctx, tx, m.ID, now); err != nil {
				return err
			}
			reply := &domain.Message{
				Sender:         domain.SenderAI,
				Text:           supportMessage(s.Hotline),
				ConversationID: c.ID,
				SessionID:      m.SessionID,
				CreatedAt:      now,
			}
			if err := repo.CreateMessage(ctx, tx, reply); err != nil {
				return err
			}
			out.Reply = reply
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Reply == nil && conv.Mode != domain.ModeMonitor && conv.Status != domain.StatusEscalated {
		out.Reply = s.generateReply(ctx, m, recent)
	}

	if out.Message, err = repo.GetMessage(ctx, s.DB, m.ID); err != nil {
		return nil, err
	}
	return out, nil
}

// generateReply asks the backend for a reply and stores it unless a monitor
// took control while it was being generated.
func (s *MessageService) generateReply(ctx context.Context, m *domain.Message, recent []domain.Message) *domain.Message {
	if s.Replier == nil {
		return nil
	}
	l := s.logger().With().Uint("conversation_id", m.ConversationID).Uint("message_id", m.ID).Logger()

	text, err := s.Replier.Ask(ctx, buildReplyPrompt(recent, m.Text), s.ChatModel)
	if err != nil {
		l.Warn().Err(err).Msg("reply generation failed")
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var reply *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.GetConversation(ctx, tx, m.ConversationID)
		if err != nil {
			return err
		}
		if c.Mode == domain.ModeMonitor || c.Status != domain.StatusActive && c.Status != domain.StatusEscalated {
			return nil
		}
		r := &domain.Message{
			Sender:         domain.SenderAI,
			Text:           text,
			ConversationID: m.ConversationID,
			SessionID:      m.SessionID,
			CreatedAt:      time.Now().UTC(),
		}
		if err := repo.CreateMessage(ctx, tx, r); err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		l.Error().Err(err).Msg("store reply")
		return nil
	}
	return reply
}

func supportMessage(hotline string) string {
	if strings.TrimSpace(hotline) == "" {
		hotline = "o CVV pelo número 188"
	}
	return "Percebo que você está passando por um momento muito difícil e quero que saiba que você não está sozinho. " +
		"Uma pessoa da nossa equipe vai falar com você em instantes. " +
		"Se estiver em perigo agora, procure ajuda imediata: " + hotline + "."
}

func userTexts(ms []domain.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		if m.Sender == domain.SenderUser {
			out = append(out, m.Text)
		}
	}
	return out
}

func buildReplyPrompt(recent []domain.Message, text string) string {
	var b strings.Builder
	b.WriteString(replyInstruction)
	b.WriteString("\n\n")
	if len(recent) > 0 {
		b.WriteString("Conversa recente:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "%s: %s\n", speaker(m.Sender), m.Text)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Usuário: %s\nAssistente:", text)
	return b.String()
}

func speaker(sender string) string {
	switch sender {
	case domain.SenderUser:
		return "Usuário"
	case domain.SenderMonitor:
		return "Monitor"
	case domain.SenderSystem:
		return "Sistema"
	default:
		return "Assistente"
	}
}

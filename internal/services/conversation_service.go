// Package services – ConversationService
//
// ConversationService owns conversation entities: their mode and status
// transitions, connection bookkeeping, and the monitor-facing queries.
// Transitions that leave an audit trail write the status change and the
// system message in one transaction.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-crisis-chat/internal/crisis"
	"github.com/tbourn/go-crisis-chat/internal/domain"
	"github.com/tbourn/go-crisis-chat/internal/repo"
)

// ConversationService provides conversation-level operations.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// DefaultMode is the mode of new conversations ("ai" when empty).
	DefaultMode string

	now func() time.Time
}

// NewConversationService returns a service with automated replies as the
// default mode.
func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{DB: db, DefaultMode: domain.ModeAI}
}

func (s *ConversationService) clock() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return time.Now().UTC()
}

func tracer() trace.Tracer { return otel.Tracer("services/ConversationService") }

func mapNotFound(err, target error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return target
	}
	return err
}

// Create starts an active conversation in the default mode.
func (s *ConversationService) Create(ctx context.Context, title *string) (*domain.Conversation, error) {
	ctx, span := tracer().Start(ctx, "Create")
	defer span.End()

	if title != nil {
		t := strings.TrimSpace(*title)
		if t == "" {
			title = nil
		} else {
			title = &t
		}
	}
	mode := s.DefaultMode
	if mode == "" {
		mode = domain.ModeAI
	}
	return repo.CreateConversation(ctx, s.DB, title, mode)
}

// Get returns a conversation or ErrConversationNotFound.
func (s *ConversationService) Get(ctx context.Context, id uint) (*domain.Conversation, error) {
	c, err := repo.GetConversation(ctx, s.DB, id)
	if err != nil {
		return nil, mapNotFound(err, ErrConversationNotFound)
	}
	return c, nil
}

// SetMode changes the mode. Unknown ids yield ErrConversationNotFound and
// mutate nothing.
func (s *ConversationService) SetMode(ctx context.Context, id uint, mode string) (*domain.Conversation, error) {
	ctx, span := tracer().Start(ctx, "SetMode",
		trace.WithAttributes(attribute.Int64("conversation.id", int64(id)), attribute.String("mode", mode)))
	defer span.End()

	mode = strings.TrimSpace(mode)
	if mode == "" {
		return nil, ErrInvalidMode
	}
	if err := repo.UpdateConversationMode(ctx, s.DB, id, mode); err != nil {
		return nil, mapNotFound(err, ErrConversationNotFound)
	}
	return s.Get(ctx, id)
}

// NewMessage describes a message to store. Analysis, when set, is attached
// to the row before it is committed.
type NewMessage struct {
	ConversationID        uint
	Sender                string
	Text                  string
	UserID                *string
	SessionID             *string
	Analysis              *crisis.Analysis
	InterventionTimestamp *time.Time
}

// RecordMessage persists a message in its conversation.
func (s *ConversationService) RecordMessage(ctx context.Context, in NewMessage) (*domain.Message, error) {
	if !domain.ValidSender(in.Sender) {
		return nil, ErrInvalidSender
	}
	var out *domain.Message
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.GetConversation(ctx, tx, in.ConversationID); err != nil {
			return mapNotFound(err, ErrConversationNotFound)
		}
		m, err := buildMessage(in, s.clock())
		if err != nil {
			return err
		}
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func buildMessage(in NewMessage, now time.Time) (*domain.Message, error) {
	m := &domain.Message{
		Sender:                in.Sender,
		Text:                  in.Text,
		ConversationID:        in.ConversationID,
		UserID:                in.UserID,
		SessionID:             in.SessionID,
		CreatedAt:             now,
		EscalationLevel:       domain.EscalationNone,
		InterventionTimestamp: in.InterventionTimestamp,
	}
	if in.Analysis != nil {
		ma, err := analysisColumns(*in.Analysis)
		if err != nil {
			return nil, err
		}
		m.Flagged = ma.Flagged
		m.RiskLevel = &ma.RiskLevel
		m.EscalationLevel = ma.EscalationLevel
		m.ExtraData = ma.ExtraData
	}
	return m, nil
}

// analysisColumns maps an analysis onto the message columns that store it.
func analysisColumns(a crisis.Analysis) (repo.MessageAnalysis, error) {
	raw, err := datatypesJSON(a)
	if err != nil {
		return repo.MessageAnalysis{}, err
	}
	return repo.MessageAnalysis{
		Flagged:         a.RequiresHuman,
		RiskLevel:       a.RiskLevel.String(),
		EscalationLevel: domain.EscalationLevel(a.RiskLevel.String()),
		ExtraData:       raw,
	}, nil
}

// Escalate moves a conversation to escalated and records who asked and why.
func (s *ConversationService) Escalate(ctx context.Context, id uint, actorID, reason string) (*domain.Conversation, error) {
	ctx, span := tracer().Start(ctx, "Escalate",
		trace.WithAttributes(attribute.Int64("conversation.id", int64(id)), attribute.String("actor.id", actorID)))
	defer span.End()

	text := fmt.Sprintf("Conversa escalada por %s", actorID)
	if r := strings.TrimSpace(reason); r != "" {
		text += ": " + r
	}
	return s.transition(ctx, id, map[string]any{"status": domain.StatusEscalated}, text)
}

// TakeControl hands a conversation to a monitor: mode becomes "monitor" and
// status escalated. Unknown ids yield ErrConversationNotFound and mutate
// nothing.
func (s *ConversationService) TakeControl(ctx context.Context, id uint, monitorID string) (*domain.Conversation, error) {
	ctx, span := tracer().Start(ctx, "TakeControl",
		trace.WithAttributes(attribute.Int64("conversation.id", int64(id)), attribute.String("monitor.id", monitorID)))
	defer span.End()

	return s.transition(ctx, id,
		map[string]any{"mode": domain.ModeMonitor, "status": domain.StatusEscalated},
		fmt.Sprintf("Monitor %s assumiu a conversa", monitorID))
}

func (s *ConversationService) transition(ctx context.Context, id uint, fields map[string]any, audit string) (*domain.Conversation, error) {
	var out *domain.Conversation
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.UpdateConversation(ctx, tx, id, fields); err != nil {
			return mapNotFound(err, ErrConversationNotFound)
		}
		if err := repo.CreateMessage(ctx, tx, &domain.Message{
			Sender:         domain.SenderSystem,
			Text:           audit,
			ConversationID: id,
			CreatedAt:      s.clock(),
		}); err != nil {
			return err
		}
		c, err := repo.GetConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// NeedingAttention lists active or escalated conversations whose user is
// still connected, most recently updated first.
func (s *ConversationService) NeedingAttention(ctx context.Context, limit int) ([]domain.Conversation, error) {
	return repo.ListConversationsByStatus(ctx, s.DB,
		[]domain.ConversationStatus{domain.StatusActive, domain.StatusEscalated}, true, limit)
}

// FlaggedUnnotified lists flagged messages not yet delivered to a monitor,
// most recent first.
func (s *ConversationService) FlaggedUnnotified(ctx context.Context, limit int) ([]domain.Message, error) {
	return repo.ListFlaggedUnnotified(ctx, s.DB, limit)
}

// MarkNotified records that monitors were told about a message.
func (s *ConversationService) MarkNotified(ctx context.Context, messageID uint) error {
	return mapNotFound(repo.MarkNotified(ctx, s.DB, messageID), ErrMessageNotFound)
}

// Touch marks the user connected and refreshes last_activity.
func (s *ConversationService) Touch(ctx context.Context, id uint) error {
	return mapNotFound(repo.SetUserConnected(ctx, s.DB, id, true, s.clock()), ErrConversationNotFound)
}

// MarkDisconnected records that the user left.
func (s *ConversationService) MarkDisconnected(ctx context.Context, id uint) error {
	return mapNotFound(repo.SetUserConnected(ctx, s.DB, id, false, s.clock()), ErrConversationNotFound)
}

// RecentMessages returns up to limit of the latest messages, oldest first.
func (s *ConversationService) RecentMessages(ctx context.Context, id uint, limit int) ([]domain.Message, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return repo.ListRecentMessages(ctx, s.DB, id, nil, 0, limit)
}

// Dashboard returns the monitor dashboard counters.
func (s *ConversationService) Dashboard(ctx context.Context) (repo.DashboardStats, error) {
	return repo.LoadDashboardStats(ctx, s.DB)
}

func datatypesJSON(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

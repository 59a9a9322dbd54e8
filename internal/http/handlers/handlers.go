// Package handlers implements the REST endpoints and the websocket
// transport of the crisis chat service.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-crisis-chat/internal/domain"
	"github.com/tbourn/go-crisis-chat/internal/realtime"
	"github.com/tbourn/go-crisis-chat/internal/repo"
	"github.com/tbourn/go-crisis-chat/internal/services"
	"github.com/tbourn/go-crisis-chat/internal/utils"
)

// ConversationService is the registry surface the REST API uses.
type ConversationService interface {
	Create(ctx context.Context, title *string) (*domain.Conversation, error)
	SetMode(ctx context.Context, id uint, mode string) (*domain.Conversation, error)
	RecentMessages(ctx context.Context, id uint, limit int) ([]domain.Message, error)
	Escalate(ctx context.Context, id uint, actorID, reason string) (*domain.Conversation, error)
	TakeControl(ctx context.Context, id uint, monitorID string) (*domain.Conversation, error)
	NeedingAttention(ctx context.Context, limit int) ([]domain.Conversation, error)
	FlaggedUnnotified(ctx context.Context, limit int) ([]domain.Message, error)
	MarkNotified(ctx context.Context, messageID uint) error
	Dashboard(ctx context.Context) (repo.DashboardStats, error)
}

// Realtime is the hub surface the REST API uses to post messages and to
// tell connected clients about monitor actions.
type Realtime interface {
	PostUserMessage(ctx context.Context, in services.UserSubmission) (*domain.Message, bool, error)
	NotifyMonitorJoined(conversationID uint, monitorID string)
	BroadcastEscalated(conversationID uint, reason string)
	MonitorStats() realtime.MonitorStats
}

// Handlers groups the REST endpoints.
type Handlers struct {
	conversations ConversationService
	rt            Realtime
}

// New builds the REST handlers.
func New(conversations ConversationService, rt Realtime) *Handlers {
	return &Handlers{conversations: conversations, rt: rt}
}

// pathID parses a numeric path parameter, answering 400 when it is not one.
func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := utils.ParseID(c.Param(name))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// serviceError maps a service error onto an HTTP answer.
func serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	case errors.Is(err, services.ErrMessageNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
	case errors.Is(err, services.ErrEmptyMessage):
		fail(c, http.StatusBadRequest, ErrCodeMessageRejected, "message is required")
	case errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusBadRequest, ErrCodeMessageRejected, "message too long")
	case errors.Is(err, services.ErrInvalidMode):
		fail(c, http.StatusBadRequest, ErrCodeInvalidMode, "mode is required")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		_ = c.Error(err)
	}
}

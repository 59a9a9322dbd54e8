package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-crisis-chat/internal/domain"
	"github.com/tbourn/go-crisis-chat/internal/http/middleware"
	"github.com/tbourn/go-crisis-chat/internal/repo"
	"github.com/tbourn/go-crisis-chat/internal/utils"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// DashboardResponse is what a monitor sees when opening the console.
type DashboardResponse struct {
	Stats         repo.DashboardStats   `json:"stats"`
	Conversations []domain.Conversation `json:"conversations"`
}

// FlaggedResponse lists flagged messages no monitor was alerted about.
type FlaggedResponse struct {
	Messages []domain.Message `json:"messages"`
}

// EscalateRequest is the optional body of POST /conversations/:id/escalate.
type EscalateRequest struct {
	Reason string `json:"reason"`
}

// Dashboard godoc
// @ID          monitorDashboard
// @Summary     Monitor dashboard
// @Description Counters plus active or escalated conversations whose user is still connected, most recent first.
// @Tags        Monitor
// @Produce     json
// @Security    BearerAuth
//
// @Param       limit  query  int  false  "Max conversations (1..200)"  default(50)
//
// @Success     200  {object}  handlers.DashboardResponse  "Dashboard"
// @Failure     401  {object}  handlers.ErrorResponse      "Monitor authentication required"
// @Failure     500  {object}  handlers.ErrorResponse      "Internal error"
// @Router      /monitor/dashboard [get]
func (h *Handlers) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	stats, err := h.conversations.Dashboard(ctx)
	if err != nil {
		serviceError(c, err)
		return
	}
	convs, err := h.conversations.NeedingAttention(ctx, utils.ClampLimit(c.Query("limit"), defaultListLimit, maxListLimit))
	if err != nil {
		serviceError(c, err)
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	ok(c, http.StatusOK, DashboardResponse{Stats: stats, Conversations: convs})
}

// Flagged godoc
// @ID          monitorFlagged
// @Summary     Flagged messages not yet notified
// @Description Messages flagged for a human that never reached a monitor, e.g. because none was online.
// @Tags        Monitor
// @Produce     json
// @Security    BearerAuth
//
// @Param       limit  query  int  false  "Max messages (1..200)"  default(50)
//
// @Success     200  {object}  handlers.FlaggedResponse  "Flagged messages"
// @Failure     401  {object}  handlers.ErrorResponse    "Monitor authentication required"
// @Failure     500  {object}  handlers.ErrorResponse    "Internal error"
// @Router      /monitor/flagged [get]
func (h *Handlers) Flagged(c *gin.Context) {
	msgs, err := h.conversations.FlaggedUnnotified(c.Request.Context(), utils.ClampLimit(c.Query("limit"), defaultListLimit, maxListLimit))
	if err != nil {
		serviceError(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	ok(c, http.StatusOK, FlaggedResponse{Messages: msgs})
}

// MarkNotified godoc
// @ID          monitorMarkNotified
// @Summary     Acknowledge a flagged message
// @Tags        Monitor
// @Security    BearerAuth
//
// @Param       message_id  path  int  true  "Message ID"  minimum(1)
//
// @Success     204  "Marked notified"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Monitor authentication required"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /monitor/flagged/{message_id}/notified [post]
func (h *Handlers) MarkNotified(c *gin.Context) {
	id, valid := pathID(c, "message_id")
	if !valid {
		return
	}
	if err := h.conversations.MarkNotified(c.Request.Context(), id); err != nil {
		serviceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Escalate godoc
// @ID          escalateConversation
// @Summary     Escalate a conversation
// @Description Moves the conversation to escalated, records an audit message and tells every connected monitor.
// @Tags        Monitor
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       id    path  int                       true   "Conversation ID"  minimum(1)
// @Param       body  body  handlers.EscalateRequest  false  "Optional reason"
//
// @Success     200  {object}  domain.Conversation     "Escalated conversation"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Monitor authentication required"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/escalate [post]
func (h *Handlers) Escalate(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req EscalateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	conv, err := h.conversations.Escalate(c.Request.Context(), id, middleware.MonitorIDFrom(c), req.Reason)
	if err != nil {
		serviceError(c, err)
		return
	}
	h.rt.BroadcastEscalated(id, req.Reason)
	ok(c, http.StatusOK, conv)
}

// TakeControl godoc
// @ID          takeControl
// @Summary     Take control of a conversation
// @Description Hands the conversation to the calling monitor (mode "monitor", status escalated) and stops automated replies.
// @Tags        Monitor
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  int  true  "Conversation ID"  minimum(1)
//
// @Success     200  {object}  domain.Conversation     "Conversation under monitor control"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Monitor authentication required"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/take-control [post]
func (h *Handlers) TakeControl(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	mid := middleware.MonitorIDFrom(c)
	conv, err := h.conversations.TakeControl(c.Request.Context(), id, mid)
	if err != nil {
		serviceError(c, err)
		return
	}
	h.rt.NotifyMonitorJoined(id, mid)
	ok(c, http.StatusOK, conv)
}

// Monitors godoc
// @ID          debugMonitors
// @Summary     Connected monitors
// @Description Connected monitor identities and how many sessions each holds.
// @Tags        Debug
// @Produce     json
// @Security    BearerAuth
//
// @Success     200  {object}  realtime.MonitorStats   "Monitor pool"
// @Failure     401  {object}  handlers.ErrorResponse  "Monitor authentication required"
// @Router      /debug/monitors [get]
func (h *Handlers) Monitors(c *gin.Context) {
	ok(c, http.StatusOK, h.rt.MonitorStats())
}

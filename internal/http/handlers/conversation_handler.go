package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-crisis-chat/internal/domain"
	"github.com/tbourn/go-crisis-chat/internal/http/middleware"
	"github.com/tbourn/go-crisis-chat/internal/services"
	"github.com/tbourn/go-crisis-chat/internal/utils"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	Title *string `json:"title"`
}

// SetModeRequest is the body of POST /conversations/:id/mode.
type SetModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// AskRequest is the body of POST /conversations/:id/ask.
type AskRequest struct {
	Text      string  `json:"text"`
	SessionID *string `json:"session_id"`
}

// AskResponse answers an accepted user message. Scoring and the automated
// reply happen in the background and reach clients over the websocket.
type AskResponse struct {
	Message  *domain.Message `json:"message"`
	Replayed bool            `json:"replayed"`
}

// ListMessagesResponse wraps a conversation's recent history.
type ListMessagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

// CreateConversation godoc
// @ID          createConversation
// @Summary     Open a conversation
// @Description Creates a conversation in the default "ai" mode with status active.
// @Description The body is optional.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.CreateConversationRequest  false  "Optional title"
//
// @Success     201  {object}  domain.Conversation     "Created conversation"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations [post]
func (h *Handlers) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	conv, err := h.conversations.Create(c.Request.Context(), req.Title)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusCreated, conv)
}

// SetMode godoc
// @ID          setConversationMode
// @Summary     Switch conversation mode
// @Description Switches a conversation between automated ("ai") and human ("monitor") handling.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       id    path  int                       true  "Conversation ID"  minimum(1)
// @Param       body  body  handlers.SetModeRequest  true  "New mode"
//
// @Success     200  {object}  domain.Conversation     "Updated conversation"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request or invalid mode"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/mode [post]
func (h *Handlers) SetMode(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req SetModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidMode, "mode is required")
		return
	}
	conv, err := h.conversations.SetMode(c.Request.Context(), id, req.Mode)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// ListMessages godoc
// @ID          listConversationMessages
// @Summary     Recent messages
// @Description Returns the last `limit` messages of a conversation, oldest first.
// @Tags        Conversations
// @Produce     json
//
// @Param       id     path   int  true   "Conversation ID"          minimum(1)
// @Param       limit  query  int  false  "Max messages (1..100)"    default(10)
//
// @Success     200  {object}  handlers.ListMessagesResponse  "Messages"
// @Failure     400  {object}  handlers.ErrorResponse         "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse         "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse         "Internal error"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	limit := utils.ClampLimit(c.Query("limit"), defaultHistoryLimit, maxHistoryLimit)
	msgs, err := h.conversations.RecentMessages(c.Request.Context(), id, limit)
	if err != nil {
		serviceError(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: msgs})
}

// Ask godoc
// @ID          askConversation
// @Summary     Post a user message
// @Description Stores a user message and fans it out like the websocket send_message event.
// @Description Risk scoring and the automated reply run in the background.
// @Description A retry with the same Idempotency-Key and session returns the stored message with 200.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-Session-ID     header  string               false  "Anonymous session, used when the body has none"
// @Param       Idempotency-Key  header  string               false  "Idempotency key for safe retries"
// @Param       id               path    int                  true   "Conversation ID"  minimum(1)
// @Param       body             body    handlers.AskRequest  true   "User message"
//
// @Success     202  {object}  handlers.AskResponse    "Accepted"
// @Success     200  {object}  handlers.AskResponse    "Replayed"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request or rejected message"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/ask [post]
func (h *Handlers) Ask(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	sid := req.SessionID
	if sid == nil {
		if hv := strings.TrimSpace(c.GetHeader(middleware.HeaderSessionID)); hv != "" {
			sid = &hv
		}
	}
	key, _ := middleware.GetIdempotencyKey(c)

	m, replay, err := h.rt.PostUserMessage(c.Request.Context(), services.UserSubmission{
		ConversationID: id,
		Text:           req.Text,
		SessionID:      sid,
		IdempotencyKey: key,
	})
	if err != nil {
		serviceError(c, err)
		return
	}
	if replay {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, AskResponse{Message: m, Replayed: true})
		return
	}
	ok(c, http.StatusAccepted, AskResponse{Message: m})
}

package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-crisis-chat/internal/domain"
	"github.com/tbourn/go-crisis-chat/internal/observability"
	"github.com/tbourn/go-crisis-chat/internal/services"
)

// Conn is one live client connection. Send must not block; transports
// queue the event and write it from their own goroutine.
type Conn interface {
	ID() string
	Send(Event) error
}

// Conversations is the registry surface the hub needs.
type Conversations interface {
	Get(ctx context.Context, id uint) (*domain.Conversation, error)
	Touch(ctx context.Context, id uint) error
	MarkDisconnected(ctx context.Context, id uint) error
	MarkNotified(ctx context.Context, messageID uint) error
}

// Messages is the message pipeline surface the hub needs.
type Messages interface {
	SubmitUserMessage(ctx context.Context, in services.UserSubmission) (*domain.Message, bool, error)
	SubmitMonitorMessage(ctx context.Context, conversationID uint, monitorID, text string) (*domain.Message, error)
	AnalyzeAndRespond(ctx context.Context, messageID uint) (*services.Outcome, error)
}

// MonitorVerifier checks that token authenticates monitorID.
type MonitorVerifier interface {
	VerifyMonitor(token, monitorID string) error
}

// Hub is the session router. All routing maps are guarded by one mutex;
// every read-modify-write happens inside a single critical section and
// events are sent after the lock is released.
type Hub struct {
	conversations Conversations
	messages      Messages
	verifier      MonitorVerifier
	pool          *Pool
	notifier      *Notifier
	log           *zerolog.Logger

	mu       sync.Mutex
	conns    map[string]Conn
	bindings map[string]*Binding
	rooms    map[uint]map[string]struct{}
	monitors map[string]map[string]struct{}
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger (the global logger by default).
func WithLogger(l *zerolog.Logger) HubOption { return func(h *Hub) { h.log = l } }

// NewHub wires a hub. pool runs the scoring pipeline after user messages.
func NewHub(conversations Conversations, messages Messages, verifier MonitorVerifier, pool *Pool, opts ...HubOption) *Hub {
	h := &Hub{
		conversations: conversations,
		messages:      messages,
		verifier:      verifier,
		pool:          pool,
		log:           &log.Logger,
		conns:         map[string]Conn{},
		bindings:      map[string]*Binding{},
		rooms:         map[uint]map[string]struct{}{},
		monitors:      map[string]map[string]struct{}{},
	}
	for _, o := range opts {
		o(h)
	}
	h.notifier = &Notifier{conversations: conversations, monitors: h.monitorConns, log: h.log}
	return h
}

// Notifier returns the hub's crisis notifier.
func (h *Hub) Notifier() *Notifier { return h.notifier }

// ---------- lifecycle ----------

// Register admits a new connection and greets it.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	conns, mons := len(h.conns), len(h.monitors)
	h.mu.Unlock()

	observability.SetRealtimeGauges(conns, mons)
	h.log.Debug().Str("connection_id", c.ID()).Msg("connected")
	h.send(c, Event{Name: EventConnected, Data: ConnectedData{ConnectionID: c.ID()}})
}

// Disconnect removes a connection from every room and pool. Conversations
// left without any user connection are marked disconnected and monitors
// are told.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	h.mu.Lock()
	b := h.bindings[connID]
	delete(h.conns, connID)
	delete(h.bindings, connID)
	var orphaned []uint
	if b != nil {
		for _, id := range b.conversationIDs() {
			h.removeFromRoomLocked(id, connID)
			if b.IsUser() && !h.hasUserLocked(id) {
				orphaned = append(orphaned, id)
			}
		}
		if b.MonitorID != "" {
			h.removeFromPoolLocked(b.MonitorID, connID)
		}
	}
	conns, mons := len(h.conns), len(h.monitors)
	h.mu.Unlock()

	observability.SetRealtimeGauges(conns, mons)
	h.log.Debug().Str("connection_id", connID).Msg("disconnected")
	for _, id := range orphaned {
		h.userGone(ctx, id)
	}
}

// ---------- joins ----------

// Join subscribes a connection to a conversation. It is idempotent and
// merges into any existing binding. A user-role join marks the user
// connected.
func (h *Hub) Join(ctx context.Context, connID string, conversationID uint, role Role) error {
	if conversationID == 0 {
		return h.fail(connID, "conversation_id is required")
	}
	if _, err := h.conversations.Get(ctx, conversationID); err != nil {
		return h.failErr(connID, err)
	}

	h.mu.Lock()
	b := h.bindingLocked(connID)
	b.merge(Update{Role: role, ConversationID: conversationID})
	room := h.rooms[conversationID]
	if room == nil {
		room = map[string]struct{}{}
		h.rooms[conversationID] = room
	}
	room[connID] = struct{}{}
	isUser := b.IsUser()
	c := h.conns[connID]
	h.mu.Unlock()

	if isUser {
		if err := h.conversations.Touch(ctx, conversationID); err != nil {
			h.log.Error().Err(err).Uint("conversation_id", conversationID).Msg("touch on join")
		}
	}
	h.send(c, Event{Name: EventJoinedConversation, Data: ConversationRef{ConversationID: conversationID}})
	return nil
}

// JoinMonitor admits a connection into the pool of monitorID after checking
// token. On failure nothing changes and the connection gets an error event.
func (h *Hub) JoinMonitor(connID, monitorID, token string) error {
	if monitorID == "" {
		return h.fail(connID, "monitor_id is required")
	}
	if h.verifier == nil {
		return h.fail(connID, "authentication failed")
	}
	if err := h.verifier.VerifyMonitor(token, monitorID); err != nil {
		h.log.Warn().Err(err).Str("connection_id", connID).Str("monitor_id", monitorID).Msg("monitor rejected")
		return h.fail(connID, "authentication failed")
	}

	h.mu.Lock()
	b := h.bindingLocked(connID)
	if b.MonitorID != "" && b.MonitorID != monitorID {
		h.removeFromPoolLocked(b.MonitorID, connID)
	}
	b.merge(Update{MonitorID: monitorID})
	pool := h.monitors[monitorID]
	if pool == nil {
		pool = map[string]struct{}{}
		h.monitors[monitorID] = pool
	}
	pool[connID] = struct{}{}
	c := h.conns[connID]
	conns, mons := len(h.conns), len(h.monitors)
	h.mu.Unlock()

	observability.SetRealtimeGauges(conns, mons)
	h.log.Info().Str("connection_id", connID).Str("monitor_id", monitorID).Msg("monitor joined")
	h.send(c, Event{Name: EventJoinedMonitor, Data: JoinedMonitorData{MonitorID: monitorID}})
	return nil
}

// Leave unsubscribes a connection from one conversation.
func (h *Hub) Leave(ctx context.Context, connID string, conversationID uint) error {
	if conversationID == 0 {
		return h.fail(connID, "conversation_id is required")
	}
	h.mu.Lock()
	b := h.bindings[connID]
	wasUser := false
	if b != nil {
		_, subscribed := b.Conversations[conversationID]
		wasUser = subscribed && b.IsUser()
		b.drop(conversationID)
	}
	h.removeFromRoomLocked(conversationID, connID)
	orphaned := wasUser && !h.hasUserLocked(conversationID)
	h.mu.Unlock()

	if orphaned {
		h.userGone(ctx, conversationID)
	}
	return nil
}

// ---------- messages ----------

// SendMessage handles a send_message event. Monitor messages require the
// connection to be an authenticated monitor and the conversation to be in
// monitor mode; they are fanned out without scoring. User messages are
// persisted and fanned out first, then scored in the background.
func (h *Hub) SendMessage(ctx context.Context, connID string, d SendMessageData) error {
	convID := uint(d.ConversationID)
	if convID == 0 {
		return h.fail(connID, "conversation_id is required")
	}

	if d.Sender == domain.SenderMonitor {
		h.mu.Lock()
		var monitorID string
		if b := h.bindings[connID]; b != nil {
			monitorID = b.MonitorID
		}
		h.mu.Unlock()
		if monitorID == "" {
			return h.fail(connID, "authentication failed")
		}
		m, err := h.messages.SubmitMonitorMessage(ctx, convID, monitorID, d.Message)
		if err != nil {
			return h.failErr(connID, err)
		}
		h.fanout(convID, Event{Name: EventNewMessage, Data: NewMessageData{ConversationID: convID, Message: ViewOf(m)}}, "")
		return nil
	}
	if d.Sender != "" && d.Sender != domain.SenderUser {
		return h.failErr(connID, services.ErrInvalidSender)
	}

	in := services.UserSubmission{ConversationID: convID, Text: d.Message, IdempotencyKey: d.IdempotencyKey}
	if d.SessionID != "" {
		sid := d.SessionID
		in.SessionID = &sid
	}
	if _, _, err := h.PostUserMessage(ctx, in); err != nil {
		return h.failErr(connID, err)
	}
	return nil
}

// PostUserMessage stores a user message, fans it out, and schedules the
// scoring pipeline. Replayed submissions are neither re-broadcast nor
// re-scored.
func (h *Hub) PostUserMessage(ctx context.Context, in services.UserSubmission) (*domain.Message, bool, error) {
	m, replay, err := h.messages.SubmitUserMessage(ctx, in)
	if err != nil || replay {
		return m, replay, err
	}
	h.fanout(m.ConversationID, Event{Name: EventNewMessage, Data: NewMessageData{ConversationID: m.ConversationID, Message: ViewOf(m)}}, "")

	// The job starts only after the raw message went out.
	id, convID := m.ID, m.ConversationID
	h.pool.Submit(func(ctx context.Context) error { return h.runPipeline(ctx, convID, id) })
	return m, false, nil
}

func (h *Hub) runPipeline(ctx context.Context, convID, messageID uint) error {
	out, err := h.messages.AnalyzeAndRespond(ctx, messageID)
	if err != nil {
		return err
	}
	a := out.Analysis
	l := h.log.With().Uint("conversation_id", convID).Uint("message_id", messageID).Str("risk_level", a.RiskLevel.String()).Logger()

	if a.RequiresHuman {
		h.roomcast(convID, Event{Name: EventMessageUpdated, Data: MessageUpdatedData{
			ConversationID: convID,
			MessageID:      messageID,
			Flagged:        true,
			RiskLevel:      a.RiskLevel.String(),
		}}, "")
	}
	if out.Reply != nil {
		h.fanout(convID, Event{Name: EventNewMessage, Data: NewMessageData{ConversationID: convID, Message: ViewOf(out.Reply)}}, "")
	}
	if out.Escalated {
		l.Info().Msg("conversation escalated")
		h.monitorcast(Event{Name: EventConversationEscalated, Data: EscalatedData{
			ConversationID: convID,
			Status:         string(domain.StatusEscalated),
			RiskLevel:      a.RiskLevel.String(),
		}})
	}
	if a.RequiresHuman {
		text := ""
		if out.Message != nil {
			text = out.Message.Text
		}
		h.notifier.Broadcast(ctx, convID, messageID, a, text)
	}
	return nil
}

// Typing relays a typing notice to the room, excluding the sender.
func (h *Hub) Typing(connID string, conversationID uint, user string) {
	if conversationID == 0 {
		return
	}
	if user == "" {
		user = string(RoleUser)
	}
	h.roomcast(conversationID, Event{Name: EventUserTyping, Data: TypingNotice{ConversationID: conversationID, User: user}}, connID)
}

// Heartbeat keeps the user marked as connected. Nothing is broadcast.
func (h *Hub) Heartbeat(ctx context.Context, conversationID uint) {
	if conversationID == 0 {
		return
	}
	if err := h.conversations.Touch(ctx, conversationID); err != nil && !errors.Is(err, services.ErrConversationNotFound) {
		h.log.Error().Err(err).Uint("conversation_id", conversationID).Msg("heartbeat")
	}
}

// ---------- broadcasts used by the REST surface ----------

// NotifyMonitorJoined tells the conversation room and every monitor that
// monitorID took control.
func (h *Hub) NotifyMonitorJoined(conversationID uint, monitorID string) {
	h.fanout(conversationID, Event{Name: EventMonitorJoined, Data: MonitorJoinedData{ConversationID: conversationID, MonitorID: monitorID}}, "")
}

// BroadcastEscalated tells every monitor a conversation was escalated.
func (h *Hub) BroadcastEscalated(conversationID uint, reason string) {
	h.monitorcast(Event{Name: EventConversationEscalated, Data: EscalatedData{
		ConversationID: conversationID,
		Status:         string(domain.StatusEscalated),
		Reason:         reason,
	}})
}

// ---------- introspection ----------

// MonitorStats is the read-only view of connected monitor identities.
type MonitorStats struct {
	MonitorCount int            `json:"monitor_count"`
	Monitors     map[string]int `json:"monitors"`
}

// MonitorStats counts connected monitor identities and their sessions.
func (h *Hub) MonitorStats() MonitorStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := MonitorStats{MonitorCount: len(h.monitors), Monitors: make(map[string]int, len(h.monitors))}
	for id, pool := range h.monitors {
		out.Monitors[id] = len(pool)
	}
	return out
}

// Binding returns a copy of a connection's binding.
func (h *Hub) Binding(connID string) (Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bindings[connID]
	if !ok {
		return Binding{}, false
	}
	return b.clone(), true
}

// ---------- internals ----------

func (h *Hub) bindingLocked(connID string) *Binding {
	b := h.bindings[connID]
	if b == nil {
		b = newBinding()
		h.bindings[connID] = b
	}
	return b
}

func (h *Hub) removeFromRoomLocked(conversationID uint, connID string) {
	if room := h.rooms[conversationID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

func (h *Hub) removeFromPoolLocked(monitorID, connID string) {
	if pool := h.monitors[monitorID]; pool != nil {
		delete(pool, connID)
		if len(pool) == 0 {
			delete(h.monitors, monitorID)
		}
	}
}

// hasUserLocked reports whether any user-role connection is still in the
// conversation's room.
func (h *Hub) hasUserLocked(conversationID uint) bool {
	for id := range h.rooms[conversationID] {
		if b := h.bindings[id]; b != nil && b.IsUser() {
			return true
		}
	}
	return false
}

func (h *Hub) userGone(ctx context.Context, conversationID uint) {
	if err := h.conversations.MarkDisconnected(ctx, conversationID); err != nil && !errors.Is(err, services.ErrConversationNotFound) {
		h.log.Error().Err(err).Uint("conversation_id", conversationID).Msg("mark disconnected")
	}
	h.log.Info().Uint("conversation_id", conversationID).Msg("user disconnected")
	h.monitorcast(Event{Name: EventUserDisconnected, Data: ConversationRef{ConversationID: conversationID}})
}

// monitorConns snapshots every connection in every monitor pool, deduped
// and ordered by id.
func (h *Hub) monitorConns() []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collectLocked(0, false, true, "")
}

// collectLocked returns the union of the room of conversationID (when
// withRoom) and all monitor pools (when withMonitors), minus exclude.
func (h *Hub) collectLocked(conversationID uint, withRoom, withMonitors bool, exclude string) []Conn {
	seen := map[string]struct{}{}
	if withRoom {
		for id := range h.rooms[conversationID] {
			seen[id] = struct{}{}
		}
	}
	if withMonitors {
		for _, pool := range h.monitors {
			for id := range pool {
				seen[id] = struct{}{}
			}
		}
	}
	delete(seen, exclude)

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Conn, 0, len(ids))
	for _, id := range ids {
		if c := h.conns[id]; c != nil {
			out = append(out, c)
		}
	}
	return out
}

// fanout sends ev to the conversation room and every monitor pool, each
// connection at most once.
func (h *Hub) fanout(conversationID uint, ev Event, exclude string) {
	h.mu.Lock()
	targets := h.collectLocked(conversationID, true, true, exclude)
	h.mu.Unlock()
	h.sendAll(targets, ev)
}

func (h *Hub) roomcast(conversationID uint, ev Event, exclude string) {
	h.mu.Lock()
	targets := h.collectLocked(conversationID, true, false, exclude)
	h.mu.Unlock()
	h.sendAll(targets, ev)
}

func (h *Hub) monitorcast(ev Event) { h.sendAll(h.monitorConns(), ev) }

func (h *Hub) sendAll(targets []Conn, ev Event) {
	for _, c := range targets {
		h.send(c, ev)
	}
}

func (h *Hub) send(c Conn, ev Event) bool {
	if c == nil {
		return false
	}
	if err := c.Send(ev); err != nil {
		h.log.Warn().Err(err).Str("connection_id", c.ID()).Str("event", ev.Name).Msg("send failed")
		return false
	}
	return true
}

func (h *Hub) fail(connID, msg string) error {
	h.mu.Lock()
	c := h.conns[connID]
	h.mu.Unlock()
	h.send(c, errorEvent(msg))
	return errors.New(msg)
}

// failErr maps a service error to the message the client sees.
func (h *Hub) failErr(connID string, err error) error {
	msg := "failed to process message"
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		msg = "conversation not found"
	case errors.Is(err, services.ErrEmptyMessage):
		msg = "message is required"
	case errors.Is(err, services.ErrTooLong):
		msg = "message too long"
	case errors.Is(err, services.ErrMonitorNotInControl):
		msg = "take control of the conversation before sending"
	case errors.Is(err, services.ErrInvalidSender):
		msg = "invalid sender"
	default:
		h.log.Error().Err(err).Str("connection_id", connID).Msg("realtime event failed")
	}
	h.fail(connID, msg)
	return err
}

// now is overridden in tests.
var now = func() time.Time { return time.Now().UTC() }

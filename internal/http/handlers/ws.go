package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-crisis-chat/internal/config"
	"github.com/tbourn/go-crisis-chat/internal/http/middleware"
	"github.com/tbourn/go-crisis-chat/internal/realtime"
)

const maxFrameBytes = 64 << 10

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("send queue full")
)

// Session is the hub surface a websocket connection drives.
type Session interface {
	Register(realtime.Conn)
	Dispatch(ctx context.Context, connID string, env realtime.Envelope) error
	Disconnect(ctx context.Context, connID string)
}

// WSHandler upgrades GET /ws and pumps frames between the socket and the
// hub: one reader goroutine dispatching inbound events in order, and one
// writer goroutine draining the outbound queue.
type WSHandler struct {
	hub      Session
	cfg      config.RealtimeConfig
	limiter  *middleware.RateLimiter
	upgrader websocket.Upgrader
	log      *zerolog.Logger

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewWSHandler builds the websocket endpoint. Inbound events are limited per
// connection to cfg.RateRPS with cfg.RateBurst.
func NewWSHandler(hub Session, cfg config.RealtimeConfig) *WSHandler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	w := &WSHandler{
		hub:     hub,
		cfg:     cfg,
		limiter: middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, nil),
		log:     &log.Logger,
		conns:   map[string]*wsConn{},
	}
	w.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return w
}

// originChecker allows any origin when the list is empty, non-browser
// clients that send no Origin, and otherwise exact (case-insensitive)
// matches or "*".
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if len(allowed) == 0 || origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Serve godoc
// @ID          websocket
// @Summary     Realtime connection
// @Description Upgrades to a websocket carrying JSON frames {"event": name, "data": payload}.
// @Description Inbound events: join_conversation, join_monitor, leave_conversation, send_message, typing, heartbeat.
// @Tags        Realtime
//
// @Success     101  "Switching protocols"
// @Failure     403  "Origin not allowed"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Router      /ws [get]
//
// Serve handles one websocket connection until it closes.
func (w *WSHandler) Serve(c *gin.Context) {
	ws, err := w.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already answered with an HTTP error.
		middleware.LoggerFrom(c).Warn().Err(err).Msg("websocket upgrade refused")
		return
	}

	conn := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		out:  make(chan realtime.Event, w.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	l := w.log.With().Str("connection_id", conn.id).Logger()

	w.mu.Lock()
	w.conns[conn.id] = conn
	w.mu.Unlock()

	go conn.writeLoop(w.cfg.WriteTimeout, w.cfg.PingInterval, &l)
	w.hub.Register(conn)

	w.readLoop(c.Request.Context(), conn, &l)

	conn.close()
	w.limiter.Forget(conn.id)
	w.mu.Lock()
	delete(w.conns, conn.id)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.hub.Disconnect(ctx, conn.id)
}

func (w *WSHandler) readLoop(ctx context.Context, conn *wsConn, l *zerolog.Logger) {
	pongWait := 2 * w.cfg.PingInterval
	conn.ws.SetReadLimit(maxFrameBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Debug().Err(err).Msg("websocket read")
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !w.limiter.Allow(conn.id) {
			_ = conn.Send(errorFrame("rate limit exceeded"))
			continue
		}
		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Name == "" {
			_ = conn.Send(errorFrame("invalid frame"))
			continue
		}
		if err := w.hub.Dispatch(ctx, conn.id, env); err != nil {
			l.Debug().Err(err).Str("event", env.Name).Msg("event rejected")
		}
	}
}

// Shutdown closes every live connection. http.Server.Shutdown does not
// touch hijacked connections.
func (w *WSHandler) Shutdown() {
	w.mu.Lock()
	conns := make([]*wsConn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func errorFrame(msg string) realtime.Event {
	return realtime.Event{Name: realtime.EventError, Data: realtime.ErrorData{Message: msg}}
}

// wsConn implements realtime.Conn over a gorilla connection. gorilla allows
// one concurrent writer, so all data frames go through out.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	out  chan realtime.Event
	done chan struct{}
	once sync.Once
}

func (c *wsConn) ID() string { return c.id }

// Send queues ev without blocking. A client too slow to keep its queue
// drained is disconnected.
func (c *wsConn) Send(ev realtime.Event) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	default:
		c.close()
		return errQueueFull
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop(writeTimeout, pingInterval time.Duration, l *zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(ev); err != nil {
				l.Debug().Err(err).Msg("websocket write")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

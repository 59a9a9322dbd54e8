// Package httpapi wires the HTTP transport (gin) to the services and the
// realtime hub: REST endpoints for conversations and monitors, the
// websocket endpoint, health and metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-crisis-chat/internal/config"
	"github.com/tbourn/go-crisis-chat/internal/http/handlers"
	"github.com/tbourn/go-crisis-chat/internal/http/middleware"
	"github.com/tbourn/go-crisis-chat/internal/repo"
	"github.com/tbourn/go-crisis-chat/internal/utils"
)

// Hub is everything the HTTP layer needs from the realtime hub.
type Hub interface {
	handlers.Realtime
	handlers.Session
}

// Deps are the collaborators the routes are bound to.
type Deps struct {
	DB            *gorm.DB
	Conversations handlers.ConversationService
	Hub           Hub
	Tokens        middleware.MonitorVerifier
}

// RegisterRoutes installs middleware and routes on r. The returned websocket
// handler must be shut down before the process exits.
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) *handlers.WSHandler {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, submissionLookup(d.DB)))
	r.Use(cors.New(corsConfig(cfg.CORS.AllowedOrigins)))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Charged after RequireMonitor so monitors get their own bucket.
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByCaller())

	ws := handlers.NewWSHandler(d.Hub, cfg.Realtime)
	r.GET("/ws", rl.Handler(), ws.Serve)

	h := handlers.New(d.Conversations, d.Hub)
	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(gzip.Gzip(gzip.DefaultCompression))

	pub := api.Group("", rl.Handler())
	{
		pub.POST("/conversations", h.CreateConversation)
		pub.POST("/conversations/:id/mode", h.SetMode)
		pub.GET("/conversations/:id/messages", h.ListMessages)
		pub.POST("/conversations/:id/ask", h.Ask)
	}

	mon := api.Group("", middleware.RequireMonitor(d.Tokens), rl.Handler())
	{
		mon.GET("/monitor/dashboard", h.Dashboard)
		mon.GET("/monitor/flagged", h.Flagged)
		mon.POST("/monitor/flagged/:message_id/notified", h.MarkNotified)
		mon.POST("/conversations/:id/escalate", h.Escalate)
		mon.POST("/conversations/:id/take-control", h.TakeControl)
		mon.GET("/debug/monitors", h.Monitors)
	}
	return ws
}

// corsConfig allows every origin without credentials when the list is
// empty, and exactly the listed origins otherwise.
func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			middleware.HeaderIdempotencyKey, middleware.HeaderSessionID, "X-Request-ID",
		},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length", "Idempotency-Replayed"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	return c
}

// submissionLookup answers the idempotency middleware from the submission
// key table. A path without a numeric conversation id never replays.
func submissionLookup(db *gorm.DB) middleware.IdempotencyLookup {
	if db == nil {
		return nil
	}
	return func(ctx context.Context, sessionID, conversationID, key string, now time.Time) (bool, error) {
		id, err := utils.ParseID(conversationID)
		if err != nil {
			return false, nil
		}
		_, err = repo.GetSubmission(ctx, db, sessionID, id, key, now)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, repo.ErrNotFound):
			return false, nil
		default:
			return false, err
		}
	}
}

func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

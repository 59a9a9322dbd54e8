package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-crisis-chat/internal/domain"
	"github.com/tbourn/go-crisis-chat/internal/http/middleware"
	"github.com/tbourn/go-crisis-chat/internal/realtime"
	"github.com/tbourn/go-crisis-chat/internal/repo"
	"github.com/tbourn/go-crisis-chat/internal/services"
)

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:h_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeRT stores messages through the real service and records broadcasts.
type fakeRT struct {
	msgs *services.MessageService

	mu        sync.Mutex
	escalated []string
	joined    []string
	posted    int
}

func (f *fakeRT) PostUserMessage(ctx context.Context, in services.UserSubmission) (*domain.Message, bool, error) {
	m, replay, err := f.msgs.SubmitUserMessage(ctx, in)
	if err == nil && !replay {
		f.mu.Lock()
		f.posted++
		f.mu.Unlock()
	}
	return m, replay, err
}

func (f *fakeRT) NotifyMonitorJoined(id uint, monitorID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, fmt.Sprintf("%d:%s", id, monitorID))
}

func (f *fakeRT) BroadcastEscalated(id uint, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, fmt.Sprintf("%d:%s", id, reason))
}

func (f *fakeRT) MonitorStats() realtime.MonitorStats {
	return realtime.MonitorStats{MonitorCount: 1, Monitors: map[string]int{"mon-1": 2}}
}

type tokenVerifier map[string]string

func (v tokenVerifier) Subject(token string) (string, error) {
	if mid, ok := v[token]; ok {
		return mid, nil
	}
	return "", errors.New("bad token")
}

type apiFixture struct {
	engine *gin.Engine
	db     *gorm.DB
	convs  *services.ConversationService
	rt     *fakeRT
}

// newAPI mounts the REST handlers the way the router does, minus tracing
// and metrics. "Bearer good" authenticates as mon-1.
func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newHandlerDB(t)
	convs := services.NewConversationService(db)
	rt := &fakeRT{msgs: &services.MessageService{DB: db, MaxMessageRunes: 50}}
	h := New(convs, rt)

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	api := r.Group("/api/v1")
	api.POST("/conversations", h.CreateConversation)
	api.POST("/conversations/:id/mode", h.SetMode)
	api.GET("/conversations/:id/messages", h.ListMessages)
	api.POST("/conversations/:id/ask", h.Ask)

	mon := api.Group("", middleware.RequireMonitor(tokenVerifier{"good": "mon-1"}))
	mon.GET("/monitor/dashboard", h.Dashboard)
	mon.GET("/monitor/flagged", h.Flagged)
	mon.POST("/monitor/flagged/:message_id/notified", h.MarkNotified)
	mon.POST("/conversations/:id/escalate", h.Escalate)
	mon.POST("/conversations/:id/take-control", h.TakeControl)
	mon.GET("/debug/monitors", h.Monitors)

	return &apiFixture{engine: r, db: db, convs: convs, rt: rt}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) conversation(t *testing.T) *domain.Conversation {
	t.Helper()
	c, err := f.convs.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

var monitorAuth = []string{"Authorization", "Bearer good"}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, code int, errCode string) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("status %d want %d: %s", w.Code, code, w.Body.String())
	}
	if errCode != "" {
		if got := decodeBody[ErrorResponse](t, w); got.Code != errCode {
			t.Fatalf("error code %q want %q", got.Code, errCode)
		}
	}
}


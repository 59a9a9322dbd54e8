package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-crisis-chat/internal/auth"
	"github.com/tbourn/go-crisis-chat/internal/config"
	"github.com/tbourn/go-crisis-chat/internal/crisis"
	"github.com/tbourn/go-crisis-chat/internal/domain"
	"github.com/tbourn/go-crisis-chat/internal/repo"
	"github.com/tbourn/go-crisis-chat/internal/services"
)

var errClosed = errors.New("connection closed")

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []Event
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosed
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeConn) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Name)
	}
	return out
}

func (f *fakeConn) count(name string) int {
	n := 0
	for _, got := range f.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (f *fakeConn) last(name string) (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Name == name {
			return f.events[i], true
		}
	}
	return Event{}, false
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

type stubAnalyzer struct {
	mu    sync.Mutex
	level crisis.RiskLevel
	calls int
}

func (a *stubAnalyzer) Analyze(context.Context, string, []string) crisis.Analysis {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	kw := crisis.SubAnalysis{Source: crisis.SourceKeyword, RiskLevel: a.level, Confidence: 0.6}
	return crisis.Combine(kw, crisis.SubAnalysis{Source: crisis.SourcePattern}, crisis.SubAnalysis{Source: crisis.SourceJudge})
}

func (a *stubAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type stubReplier struct{}

func (stubReplier) Ask(context.Context, string, string) (string, error) {
	return "Estou aqui com você.", nil
}

type fixture struct {
	hub      *Hub
	conv     *services.ConversationService
	msgs     *services.MessageService
	analyzer *stubAnalyzer
	tokens   *auth.TokenManager
	db       *gorm.DB
}

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:rt_%s?mode=memory&cache=shared", uuid.NewString())
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

// newFixture builds a hub over real services. The pool is closed up front
// so pipeline jobs run synchronously on the submitting goroutine.
func newFixture(t *testing.T, level crisis.RiskLevel) *fixture {
	t.Helper()
	db := newDB(t)
	an := &stubAnalyzer{level: level}
	cs := services.NewConversationService(db)
	ms := &services.MessageService{
		DB:              db,
		Detector:        an,
		Replier:         stubReplier{},
		Hotline:         "CVV 188",
		ContextMessages: 5,
		MaxMessageRunes: 500,
		IdempotencyTTL:  time.Hour,
	}
	tm := auth.NewTokenManager(config.AuthConfig{JWTSecret: "test-secret", Issuer: "crisis-chat", TokenTTL: time.Hour})
	pool := NewPool(1, 0, 5*time.Second, nil)
	pool.Close()
	return &fixture{
		hub:      NewHub(cs, ms, tm, pool),
		conv:     cs,
		msgs:     ms,
		analyzer: an,
		tokens:   tm,
		db:       db,
	}
}

func (f *fixture) connect(t *testing.T, id string) *fakeConn {
	t.Helper()
	c := newFakeConn(id)
	f.hub.Register(c)
	return c
}

func (f *fixture) newConversation(t *testing.T) *domain.Conversation {
	t.Helper()
	c, err := f.conv.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func (f *fixture) monitor(t *testing.T, connID, monitorID string) *fakeConn {
	t.Helper()
	c := f.connect(t, connID)
	tok, err := f.tokens.Issue(monitorID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if err := f.hub.JoinMonitor(connID, monitorID, tok); err != nil {
		t.Fatalf("JoinMonitor: %v", err)
	}
	return c
}

func (f *fixture) user(t *testing.T, connID string, convID uint) *fakeConn {
	t.Helper()
	c := f.connect(t, connID)
	if err := f.hub.Join(context.Background(), connID, convID, RoleUser); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return c
}

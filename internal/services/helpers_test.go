package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-crisis-chat/internal/crisis"
	"github.com/tbourn/go-crisis-chat/internal/domain"
	"github.com/tbourn/go-crisis-chat/internal/repo"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
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

func newConv(t *testing.T, s *ConversationService) *domain.Conversation {
	t.Helper()
	c, err := s.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func countMessages(t *testing.T, db *gorm.DB, convID uint, sender string) int64 {
	t.Helper()
	var n int64
	q := db.Model(&domain.Message{}).Where("conversation_id = ?", convID)
	if sender != "" {
		q = q.Where("sender = ?", sender)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return n
}

// analysisOf builds an analysis whose keyword signal carries level.
func analysisOf(level crisis.RiskLevel) crisis.Analysis {
	kw := crisis.SubAnalysis{Source: crisis.SourceKeyword, RiskLevel: level, Confidence: 0.6}
	if level == crisis.None {
		kw.Confidence = 0
	}
	return crisis.Combine(kw,
		crisis.SubAnalysis{Source: crisis.SourcePattern},
		crisis.SubAnalysis{Source: crisis.SourceJudge})
}

type stubAnalyzer struct {
	mu      sync.Mutex
	result  crisis.Analysis
	history [][]string
}

func (a *stubAnalyzer) Analyze(_ context.Context, _ string, history []string) crisis.Analysis {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, history)
	return a.result
}

type stubReplier struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	prompts []string
	onAsk   func()
}

func (r *stubReplier) Ask(_ context.Context, prompt, _ string) (string, error) {
	r.mu.Lock()
	r.calls++
	r.prompts = append(r.prompts, prompt)
	hook := r.onAsk
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return r.reply, r.err
}

func (r *stubReplier) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func strPtr(s string) *string { return &s }

package repo

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-crisis-chat/internal/domain"
)

// newRepoDB opens a file-backed SQLite DB under t.TempDir. With migrate=false
// the schema is left empty so error paths can be exercised.
func newRepoDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("repo_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if migrate {
		if err := AutoMigrate(db); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedConversation(t *testing.T, db *gorm.DB, status domain.ConversationStatus, connected bool, updatedAt time.Time) *domain.Conversation {
	t.Helper()
	c := &domain.Conversation{
		Mode:          domain.ModeAI,
		Status:        status,
		Active:        true,
		UserConnected: connected,
		LastActivity:  updatedAt,
	}
	if err := db.Create(c).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if err := db.Model(c).UpdateColumn("updated_at", updatedAt).Error; err != nil {
		t.Fatalf("set updated_at: %v", err)
	}
	return c
}

func strPtr(s string) *string { return &s }

// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the aggregate counters shown on the
// monitor dashboard.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-crisis-chat/internal/domain"
)

// DashboardStats summarizes the conversations and alerts monitors care about.
type DashboardStats struct {
	Active         int64      `json:"active"`
	Escalated      int64      `json:"escalated"`
	UsersConnected int64      `json:"users_connected"`
	PendingFlagged int64      `json:"pending_flagged"`
	LastFlaggedAt  *time.Time `json:"last_flagged_at,omitempty"`
}

// LoadDashboardStats runs a handful of COUNT queries. When there is no
// pending flagged message, LastFlaggedAt is nil.
func LoadDashboardStats(ctx context.Context, db *gorm.DB) (DashboardStats, error) {
	var s DashboardStats
	conv := func() *gorm.DB { return db.WithContext(ctx).Model(&domain.Conversation{}) }

	if err := conv().Where("status = ?", domain.StatusActive).Count(&s.Active).Error; err != nil {
		return s, err
	}
	if err := conv().Where("status = ?", domain.StatusEscalated).Count(&s.Escalated).Error; err != nil {
		return s, err
	}
	if err := conv().Where("user_connected = ? AND status IN ?", true,
		[]domain.ConversationStatus{domain.StatusActive, domain.StatusEscalated}).Count(&s.UsersConnected).Error; err != nil {
		return s, err
	}

	pending := db.WithContext(ctx).Model(&domain.Message{}).Where("flagged = ? AND notified = ?", true, false)
	if err := pending.Count(&s.PendingFlagged).Error; err != nil {
		return s, err
	}
	if s.PendingFlagged == 0 {
		return s, nil
	}

	// Order+Limit instead of MAX(), which SQLite returns as TEXT.
	var row struct {
		CreatedAt time.Time
	}
	if err := db.WithContext(ctx).Model(&domain.Message{}).
		Where("flagged = ? AND notified = ?", true, false).
		Select("created_at").Order("created_at DESC").Limit(1).
		Scan(&row).Error; err != nil {
		return s, err
	}
	s.LastFlaggedAt = &row.CreatedAt
	return s, nil
}

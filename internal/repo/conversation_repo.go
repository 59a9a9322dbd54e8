// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, so they work
// inside transactions too. They hold no business rules.
//
// Error semantics:
//   - A missing conversation yields ErrNotFound (gorm.ErrRecordNotFound).
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-crisis-chat/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConversation inserts an active conversation in the given mode with
// its user marked connected.
func CreateConversation(ctx context.Context, db *gorm.DB, title *string, mode string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{
		Title:         title,
		Mode:          mode,
		Status:        domain.StatusActive,
		Active:        true,
		UserConnected: true,
		LastActivity:  now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by id.
func GetConversation(ctx context.Context, db *gorm.DB, id uint) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateConversation applies column updates to one conversation and
// returns ErrNotFound when no row matched.
func UpdateConversation(ctx context.Context, db *gorm.DB, id uint, fields map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConversationMode sets the mode of a conversation.
func UpdateConversationMode(ctx context.Context, db *gorm.DB, id uint, mode string) error {
	return UpdateConversation(ctx, db, id, map[string]any{"mode": mode})
}

// UpdateConversationStatus sets the lifecycle status of a conversation.
func UpdateConversationStatus(ctx context.Context, db *gorm.DB, id uint, status domain.ConversationStatus) error {
	return UpdateConversation(ctx, db, id, map[string]any{"status": status})
}

// SetUserConnected records whether the user is reachable. Connecting also
// refreshes last_activity.
func SetUserConnected(ctx context.Context, db *gorm.DB, id uint, connected bool, at time.Time) error {
	fields := map[string]any{"user_connected": connected}
	if connected {
		fields["last_activity"] = at.UTC()
	}
	return UpdateConversation(ctx, db, id, fields)
}

// ListConversationsByStatus returns conversations whose status is in
// statuses, most recently updated first. When connectedOnly is set,
// conversations whose user is gone are skipped. limit <= 0 means no limit.
func ListConversationsByStatus(ctx context.Context, db *gorm.DB, statuses []domain.ConversationStatus, connectedOnly bool, limit int) ([]domain.Conversation, error) {
	out := []domain.Conversation{}
	q := db.WithContext(ctx).Where("status IN ?", statuses)
	if connectedOnly {
		q = q.Where("user_connected = ?", true)
	}
	q = q.Order("updated_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

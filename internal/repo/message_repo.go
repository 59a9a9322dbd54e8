// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-crisis-chat/internal/domain"
)

// CreateMessage inserts m. CreatedAt defaults to now (UTC) and the
// escalation level to none.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.EscalationLevel == "" {
		m.EscalationLevel = domain.EscalationNone
	}
	return db.WithContext(ctx).Create(m).Error
}

// GetMessage fetches a message by id.
func GetMessage(ctx context.Context, db *gorm.DB, id uint) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListRecentMessages returns the latest limit messages of a conversation,
// optionally restricted to one session, in chronological order (oldest
// first). excludeID skips one message, typically the one being scored.
func ListRecentMessages(ctx context.Context, db *gorm.DB, conversationID uint, sessionID *string, excludeID uint, limit int) ([]domain.Message, error) {
	out := []domain.Message{}
	if limit <= 0 {
		return out, nil
	}
	q := db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if sessionID != nil {
		q = q.Where("session_id = ?", *sessionID)
	}
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListFlaggedUnnotified returns flagged messages no monitor has been told
// about yet, most recent first.
func ListFlaggedUnnotified(ctx context.Context, db *gorm.DB, limit int) ([]domain.Message, error) {
	out := []domain.Message{}
	q := db.WithContext(ctx).
		Where("flagged = ? AND notified = ?", true, false).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// MarkNotified flags a message as delivered to monitors.
func MarkNotified(ctx context.Context, db *gorm.DB, id uint) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Update("notified", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MessageAnalysis is the scoring outcome stored on a user message.
type MessageAnalysis struct {
	Flagged         bool
	RiskLevel       string
	EscalationLevel domain.EscalationLevel
	ExtraData       datatypes.JSON
}

// UpdateMessageAnalysis attaches a scoring outcome to a message.
func UpdateMessageAnalysis(ctx context.Context, db *gorm.DB, id uint, a MessageAnalysis) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"flagged":          a.Flagged,
			"risk_level":       a.RiskLevel,
			"escalation_level": a.EscalationLevel,
			"extra_data":       a.ExtraData,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkIntervention records when the immediate support message was sent in
// answer to message id.
func MarkIntervention(ctx context.Context, db *gorm.DB, id uint, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		UpdateColumn("intervention_timestamp", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// HasIntervention reports whether any message of the conversation already
// triggered the immediate support message.
func HasIntervention(ctx context.Context, db *gorm.DB, conversationID uint) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ? AND intervention_timestamp IS NOT NULL", conversationID).
		Count(&n).Error
	return n > 0, err
}

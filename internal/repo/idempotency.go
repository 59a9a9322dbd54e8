// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file stores submission keys so retried user messages
// are not persisted and scored twice.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-crisis-chat/internal/domain"
)

// ErrDuplicate indicates a submission key already exists for the
// (session_id, conversation_id, key) tuple.
var ErrDuplicate = errors.New("duplicate")

// GetSubmission returns a non-expired submission key or ErrNotFound.
func GetSubmission(ctx context.Context, db *gorm.DB, sessionID string, conversationID uint, key string, now time.Time) (*domain.SubmissionKey, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.SubmissionKey
	err := db.WithContext(ctx).
		Where("session_id = ? AND conversation_id = ? AND key = ? AND expires_at > ?", sessionID, conversationID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateSubmission records that key produced messageID. A unique violation
// is reported as ErrDuplicate.
func CreateSubmission(ctx context.Context, db *gorm.DB, sessionID string, conversationID uint, key string, messageID uint, ttl time.Duration) (*domain.SubmissionKey, error) {
	now := time.Now().UTC()
	rec := &domain.SubmissionKey{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		ConversationID: conversationID,
		Key:            key,
		MessageID:      messageID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite reports UNIQUE violations as plain text.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") ||
			strings.Contains(low, "duplicate key value") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredSubmissions deletes keys past their expiry and returns how
// many were removed.
func PurgeExpiredSubmissions(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.SubmissionKey{})
	return res.RowsAffected, res.Error
}

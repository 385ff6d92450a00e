package store

import (
	"context"
	"errors"
	"time"

	"github.com/suPer8Hu/wardlink/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Users

func (r *Repo) FindUserByID(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// FindUserByUsername matches case-insensitively, like conversation ids do.
func (r *Repo) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).
		Where("LOWER(username) = LOWER(?)", username).
		First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repo) ListUserIDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	if err := r.db.WithContext(ctx).Model(&models.User{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// Chat messages

func (r *Repo) SaveMessage(ctx context.Context, m *models.ChatMessage) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	return r.db.WithContext(ctx).Create(m).Error
}

// FindMessagesByConversation returns the whole history oldest -> newest.
func (r *Repo) FindMessagesByConversation(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("timestamp ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages newest -> oldest.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []models.ChatMessage
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) DeleteConversationHistory(ctx context.Context, conversationID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&models.ChatMessage{})
	return res.RowsAffected, res.Error
}

// Notifications

// SaveNotification inserts the record and its target rows in one transaction.
func (r *Repo) SaveNotification(ctx context.Context, n *models.NotificationRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(n).Error
	})
}

func (r *Repo) FindRecentNotifications(ctx context.Context, userID uint64, limit int) ([]models.NotificationRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []models.NotificationRecord
	if err := r.db.WithContext(ctx).
		Joins("JOIN notification_targets ON notification_targets.notification_id = notifications.id").
		Where("notification_targets.user_id = ?", userID).
		Order("notifications.created_at DESC").
		Order("notifications.id DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Device tokens

// UpsertDeviceToken inserts t or, when the token value already exists,
// reassigns its owner and platform, clears revoked and refreshes last seen.
func (r *Repo) UpsertDeviceToken(ctx context.Context, t *models.DeviceToken) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "platform", "revoked", "last_seen_at", "updated_at"}),
	}).Create(t).Error
}

func (r *Repo) FindDeviceToken(ctx context.Context, token string) (*models.DeviceToken, error) {
	var t models.DeviceToken
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *Repo) UpdateDeviceToken(ctx context.Context, token string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.DeviceToken{}).
		Where("token = ?", token).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) FindTokensForUser(ctx context.Context, userID uint64, excludeRevoked bool) ([]models.DeviceToken, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if excludeRevoked {
		q = q.Where("revoked = ?", false)
	}
	var out []models.DeviceToken
	if err := q.Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

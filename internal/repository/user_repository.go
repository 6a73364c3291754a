package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnbot/internal/model"
)

// UserRepository handles CRUD for Telegram users.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert saves or refreshes a user's profile fields without touching the
// block window.
func (r *UserRepository) Upsert(ctx context.Context, tgID int64, username, firstName, lastName string) (*model.TelegramUser, error) {
	user := model.TelegramUser{
		TgID:      tgID,
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tg_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "last_name"}),
	}).Create(&user).Error
	if err != nil {
		return nil, fmt.Errorf("upsert user %d: %w", tgID, err)
	}
	return r.Get(ctx, tgID)
}

func (r *UserRepository) Get(ctx context.Context, tgID int64) (*model.TelegramUser, error) {
	var user model.TelegramUser
	if err := r.db.WithContext(ctx).Where("tg_id = ?", tgID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// IsBlocked reports whether the user's block window extends past now.
// Unknown users are not blocked.
func (r *UserRepository) IsBlocked(ctx context.Context, tgID int64, now time.Time) (bool, error) {
	user, err := r.Get(ctx, tgID)
	switch {
	case err == nil:
		return user.BlockedUntil > now.Unix(), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("check block for %d: %w", tgID, err)
	}
}

func (r *UserRepository) Block(ctx context.Context, tgID int64, until time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.TelegramUser{}).
		Where("tg_id = ?", tgID).
		Update("blocked_until", until.Unix()).Error
	if err != nil {
		return fmt.Errorf("block user %d: %w", tgID, err)
	}
	return nil
}

func (r *UserRepository) Unblock(ctx context.Context, tgID int64) error {
	err := r.db.WithContext(ctx).Model(&model.TelegramUser{}).
		Where("tg_id = ?", tgID).
		Update("blocked_until", 0).Error
	if err != nil {
		return fmt.Errorf("unblock user %d: %w", tgID, err)
	}
	return nil
}

// ListBlocked returns users whose block window is still open, most recently
// blocked first.
func (r *UserRepository) ListBlocked(ctx context.Context, now time.Time) ([]model.TelegramUser, error) {
	var users []model.TelegramUser
	err := r.db.WithContext(ctx).
		Where("blocked_until > ?", now.Unix()).
		Order("blocked_until DESC").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("list blocked users: %w", err)
	}
	return users, nil
}

func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.TelegramUser{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnbot/internal/model"
)

// KeyRepository manages user-key bindings.
type KeyRepository struct {
	db *gorm.DB
}

func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Bind attaches a key to a user. Binding the same key to the same user
// twice is a silent no-op: key sharing across users is intentional, so a
// duplicate insert must not be an error.
func (r *KeyRepository) Bind(ctx context.Context, key *model.UserKey) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tg_id"}, {Name: "client_email"}},
		DoNothing: true,
	}).Create(key).Error
	if err != nil {
		return fmt.Errorf("bind key %s to user %d: %w", key.ClientEmail, key.TgID, err)
	}
	return nil
}

func (r *KeyRepository) ListByUser(ctx context.Context, tgID int64) ([]model.UserKey, error) {
	var keys []model.UserKey
	err := r.db.WithContext(ctx).
		Where("tg_id = ?", tgID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("list keys for user %d: %w", tgID, err)
	}
	return keys, nil
}

// Unbind removes one user's binding; other users sharing the key keep theirs.
func (r *KeyRepository) Unbind(ctx context.Context, tgID int64, email string) error {
	err := r.db.WithContext(ctx).
		Where("tg_id = ? AND client_email = ?", tgID, email).
		Delete(&model.UserKey{}).Error
	if err != nil {
		return fmt.Errorf("unbind key %s from user %d: %w", email, tgID, err)
	}
	return nil
}

func (r *KeyRepository) CountUsersByEmail(ctx context.Context, email string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.UserKey{}).
		Where("client_email = ?", email).
		Distinct("tg_id").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count users for key %s: %w", email, err)
	}
	return count, nil
}

// KeyWithUser is one binding joined with the owner's profile.
type KeyWithUser struct {
	ClientEmail string
	InboundID   int
	Comment     string
	TgID        int64
	Username    string
	FirstName   string
}

// ListAllWithUsers returns every binding with the owning user's name fields,
// grouped by key for the admin overview.
func (r *KeyRepository) ListAllWithUsers(ctx context.Context) ([]KeyWithUser, error) {
	var rows []KeyWithUser
	err := r.db.WithContext(ctx).Model(&model.UserKey{}).
		Select("user_keys.client_email, user_keys.inbound_id, user_keys.comment, user_keys.tg_id, telegram_users.username, telegram_users.first_name").
		Joins("LEFT JOIN telegram_users ON user_keys.tg_id = telegram_users.tg_id").
		Order("user_keys.client_email, telegram_users.first_name").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list keys with users: %w", err)
	}
	return rows, nil
}

func (r *KeyRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.UserKey{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

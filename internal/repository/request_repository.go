package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"vpnbot/internal/model"
)

// RequestRepository manages pending key requests.
type RequestRepository struct {
	db *gorm.DB
}

func NewRequestRepository(db *gorm.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// CreateIfAbsent inserts the request unless the user already has a pending
// one, in which case the existing request is returned instead. The check and
// insert run in one transaction so two concurrent requests from the same
// user cannot both create a row.
func (r *RequestRepository) CreateIfAbsent(ctx context.Context, req *model.PendingRequest) (*model.PendingRequest, bool, error) {
	var existing model.PendingRequest
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("tg_id = ?", req.TgID).
			Order("created_at DESC").
			First(&existing).Error
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(req).Error; err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			created = true
			return nil
		default:
			return fmt.Errorf("find request for user %d: %w", req.TgID, err)
		}
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		return req, true, nil
	}
	return &existing, false, nil
}

func (r *RequestRepository) Get(ctx context.Context, requestID string) (*model.PendingRequest, error) {
	var req model.PendingRequest
	if err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&req).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

// Delete removes the request and reports whether a row was actually deleted.
// Resolution handlers use the result as an atomic claim: whichever admin
// action deletes the row wins, a later one sees false.
func (r *RequestRepository) Delete(ctx context.Context, requestID string) (bool, error) {
	res := r.db.WithContext(ctx).Where("request_id = ?", requestID).Delete(&model.PendingRequest{})
	if res.Error != nil {
		return false, fmt.Errorf("delete request %s: %w", requestID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *RequestRepository) ListByUser(ctx context.Context, tgID int64) ([]model.PendingRequest, error) {
	var reqs []model.PendingRequest
	err := r.db.WithContext(ctx).
		Where("tg_id = ?", tgID).
		Order("created_at DESC").
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("list requests for user %d: %w", tgID, err)
	}
	return reqs, nil
}

func (r *RequestRepository) ListAll(ctx context.Context) ([]model.PendingRequest, error) {
	var reqs []model.PendingRequest
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return reqs, nil
}

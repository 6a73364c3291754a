package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnbot/internal/model"
)

// TrafficRepository stores per-day traffic history and all_time snapshots.
// All writes are upserts so the daily job can safely re-run for a date.
type TrafficRepository struct {
	db *gorm.DB
}

func NewTrafficRepository(db *gorm.DB) *TrafficRepository {
	return &TrafficRepository{db: db}
}

func (r *TrafficRepository) SaveHistory(ctx context.Context, email string, up, down int64, date string) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{"up", "down"}),
	}).Create(&model.TrafficHistory{Email: email, Up: up, Down: down, Date: date}).Error
	if err != nil {
		return fmt.Errorf("save traffic history %s/%s: %w", email, date, err)
	}
	return nil
}

// TrafficTotals is summed history for one client over a date range.
type TrafficTotals struct {
	Email     string
	TotalUp   int64
	TotalDown int64
}

// Stats sums history per client over [start, end], heaviest clients first.
func (r *TrafficRepository) Stats(ctx context.Context, start, end string) ([]TrafficTotals, error) {
	var rows []TrafficTotals
	err := r.db.WithContext(ctx).Model(&model.TrafficHistory{}).
		Select("email, SUM(up) AS total_up, SUM(down) AS total_down").
		Where("date BETWEEN ? AND ?", start, end).
		Group("email").
		Order("SUM(up) + SUM(down) DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("traffic stats %s..%s: %w", start, end, err)
	}
	return rows, nil
}

// PeriodActivity is per-client aggregation used by weekly/monthly reports.
type PeriodActivity struct {
	Email         string
	PeriodTraffic int64
	ActiveDays    int
}

// PeriodActivity aggregates history over [start, end]: total traffic and the
// number of days with any traffic at all.
func (r *TrafficRepository) PeriodActivity(ctx context.Context, start, end string) (map[string]PeriodActivity, error) {
	var rows []PeriodActivity
	err := r.db.WithContext(ctx).Model(&model.TrafficHistory{}).
		Select("email, SUM(up + down) AS period_traffic, SUM(CASE WHEN up + down > 0 THEN 1 ELSE 0 END) AS active_days").
		Where("date BETWEEN ? AND ?", start, end).
		Group("email").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("period activity %s..%s: %w", start, end, err)
	}
	byEmail := make(map[string]PeriodActivity, len(rows))
	for _, row := range rows {
		byEmail[row.Email] = row
	}
	return byEmail, nil
}

func (r *TrafficRepository) SaveSnapshot(ctx context.Context, email string, allTime int64, date string) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{"all_time"}),
	}).Create(&model.AllTimeSnapshot{Email: email, AllTime: allTime, Date: date}).Error
	if err != nil {
		return fmt.Errorf("save snapshot %s/%s: %w", email, date, err)
	}
	return nil
}

// Snapshot returns the stored all_time for a client on a date, with ok=false
// when there is none. Absence is meaningful ("first time seen") and must not
// collapse to zero.
func (r *TrafficRepository) Snapshot(ctx context.Context, email, date string) (int64, bool, error) {
	var snap model.AllTimeSnapshot
	err := r.db.WithContext(ctx).Where("email = ? AND date = ?", email, date).First(&snap).Error
	switch {
	case err == nil:
		return snap.AllTime, true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("get snapshot %s/%s: %w", email, date, err)
	}
}

// SnapshotsByDate returns all snapshots stored for one date, keyed by email.
func (r *TrafficRepository) SnapshotsByDate(ctx context.Context, date string) (map[string]int64, error) {
	var snaps []model.AllTimeSnapshot
	if err := r.db.WithContext(ctx).Where("date = ?", date).Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("snapshots for %s: %w", date, err)
	}
	byEmail := make(map[string]int64, len(snaps))
	for _, snap := range snaps {
		byEmail[snap.Email] = snap.AllTime
	}
	return byEmail, nil
}

// RecentSnapshots returns up to limit snapshots for a client, newest first.
func (r *TrafficRepository) RecentSnapshots(ctx context.Context, email string, limit int) ([]model.AllTimeSnapshot, error) {
	var snaps []model.AllTimeSnapshot
	err := r.db.WithContext(ctx).
		Where("email = ?", email).
		Order("date DESC").
		Limit(limit).
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("recent snapshots for %s: %w", email, err)
	}
	return snaps, nil
}

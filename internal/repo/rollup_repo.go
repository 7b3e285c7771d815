// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file owns the hourly and daily rollup tables. Hourly
// rows are merged in place; the daily row is only ever written through a
// compare-and-swap on its version column, so concurrent recomputes surface as
// ErrConflict instead of silently losing an update.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/healthassistant/go-health-backend/internal/domain"
)

// ErrConflict signals a lost optimistic-concurrency race on a rollup row.
// The projector treats it as retryable.
var ErrConflict = errors.New("rollup version conflict")

// GetHourly returns the hourly rollup row for the key, or ErrNotFound.
func GetHourly(ctx context.Context, db *gorm.DB, deviceID, metric, date string, hour int) (*domain.HourlyRollup, error) {
	var row domain.HourlyRollup
	err := db.WithContext(ctx).
		Where("device_id = ? AND metric = ? AND date = ? AND hour = ?", deviceID, metric, date, hour).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SaveHourly creates or updates an hourly row. A unique violation on create
// means another worker inserted the same key concurrently; it is reported as
// ErrConflict so the caller re-reads and merges again.
func SaveHourly(ctx context.Context, db *gorm.DB, row *domain.HourlyRollup) error {
	err := db.WithContext(ctx).Save(row).Error
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ListHourlyForDate returns the hourly rows for one device/metric/date in
// ascending hour order.
func ListHourlyForDate(ctx context.Context, db *gorm.DB, deviceID, metric, date string) ([]domain.HourlyRollup, error) {
	var rows []domain.HourlyRollup
	err := db.WithContext(ctx).
		Where("device_id = ? AND metric = ? AND date = ?", deviceID, metric, date).
		Order("hour ASC").
		Find(&rows).Error
	return rows, err
}

// DeleteHourlyForDate removes every hourly row for the key. Used when a date
// is rebuilt from the event log after a correction or deletion.
func DeleteHourlyForDate(ctx context.Context, db *gorm.DB, deviceID, metric, date string) error {
	return db.WithContext(ctx).
		Where("device_id = ? AND metric = ? AND date = ?", deviceID, metric, date).
		Delete(&domain.HourlyRollup{}).Error
}

// GetDaily returns the daily rollup row for the key, or ErrNotFound.
func GetDaily(ctx context.Context, db *gorm.DB, deviceID, metric, date string) (*domain.DailyRollup, error) {
	var row domain.DailyRollup
	err := db.WithContext(ctx).
		Where("device_id = ? AND metric = ? AND date = ?", deviceID, metric, date).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListDailyRange returns daily rows for [startDate, endDate] inclusive,
// ascending by date. Dates are "YYYY-MM-DD" strings, which order
// lexicographically.
func ListDailyRange(ctx context.Context, db *gorm.DB, deviceID, metric, startDate, endDate string) ([]domain.DailyRollup, error) {
	var rows []domain.DailyRollup
	err := db.WithContext(ctx).
		Where("device_id = ? AND metric = ? AND date >= ? AND date <= ?", deviceID, metric, startDate, endDate).
		Order("date ASC").
		Find(&rows).Error
	return rows, err
}

// CreateDaily inserts a fresh daily row at version 0. A unique violation
// means a concurrent recompute created it first and is reported as
// ErrConflict.
func CreateDaily(ctx context.Context, db *gorm.DB, row *domain.DailyRollup) error {
	row.Version = 0
	if err := db.WithContext(ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// UpdateDailyCAS rewrites the daily row if and only if its version column
// still matches expectedVersion, bumping the version by one. Zero rows
// affected means another writer got there first: ErrConflict.
func UpdateDailyCAS(ctx context.Context, db *gorm.DB, row *domain.DailyRollup, expectedVersion int64) error {
	res := db.WithContext(ctx).Model(&domain.DailyRollup{}).
		Where("id = ? AND version = ?", row.ID, expectedVersion).
		Updates(map[string]any{
			"total_value":            row.TotalValue,
			"most_active_hour":       row.MostActiveHour,
			"most_active_hour_value": row.MostActiveHourValue,
			"active_hours_count":     row.ActiveHoursCount,
			"first_activity_time":    row.FirstActivityTime,
			"last_activity_time":     row.LastActivityTime,
			"version":                expectedVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	row.Version = expectedVersion + 1
	return nil
}

// DeleteDailyForDate removes the daily row for the key, if present.
func DeleteDailyForDate(ctx context.Context, db *gorm.DB, deviceID, metric, date string) error {
	return db.WithContext(ctx).
		Where("device_id = ? AND metric = ? AND date = ?", deviceID, metric, date).
		Delete(&domain.DailyRollup{}).Error
}

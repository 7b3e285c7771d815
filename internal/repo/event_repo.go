// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only event log: inserts
// deduplicated by the idempotency-key unique index, target lookups and
// compensation markers, and the queries the projector uses to rebuild a
// date from the authoritative log.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/healthassistant/go-health-backend/internal/domain"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate indicates an event row already exists for the idempotency key.
var ErrDuplicate = errors.New("duplicate")

// NewEventID returns a fresh prefixed event identifier.
func NewEventID() string { return "evt_" + uuid.NewString() }

// CreateEvent inserts one event row and returns ErrDuplicate on a unique
// violation of the idempotency key. The unique index, not a prior existence
// check, is the authoritative dedup guard: two concurrent requests bearing
// the same key race to the constraint and exactly one wins.
func CreateEvent(ctx context.Context, db *gorm.DB, ev *domain.HealthEvent) error {
	if ev.ID == "" {
		ev.ID = NewEventID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// isUniqueViolation recognizes unique-constraint failures across the driver's
// error shapes. glebarez/sqlite often returns plain-text errors for UNIQUE
// violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// GetEventByID returns the event owned by deviceID with the given event id,
// or ErrNotFound. Ownership is part of the lookup so one device cannot target
// another device's events with compensating events.
func GetEventByID(ctx context.Context, db *gorm.DB, eventID, deviceID string) (*domain.HealthEvent, error) {
	var ev domain.HealthEvent
	err := db.WithContext(ctx).
		Where("id = ? AND device_id = ?", eventID, deviceID).
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// MarkEventDeleted flags the target event as logically deleted by the given
// compensating event and returns the target row. Already-deleted targets
// return ErrNotFound so a repeated deletion does not re-trigger reprojection.
func MarkEventDeleted(ctx context.Context, db *gorm.DB, targetEventID, byEventID, deviceID string) (*domain.HealthEvent, error) {
	target, err := GetEventByID(ctx, db, targetEventID, deviceID)
	if err != nil {
		return nil, err
	}
	if target.DeletedByEvent != nil {
		return nil, ErrNotFound
	}
	res := db.WithContext(ctx).Model(&domain.HealthEvent{}).
		Where("id = ? AND device_id = ? AND deleted_by_event IS NULL", targetEventID, deviceID).
		Update("deleted_by_event", byEventID)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	target.DeletedByEvent = &byEventID
	return target, nil
}

// MarkEventSuperseded flags the target event as corrected by the given
// compensating event and returns the target row.
func MarkEventSuperseded(ctx context.Context, db *gorm.DB, targetEventID, byEventID, deviceID string) (*domain.HealthEvent, error) {
	target, err := GetEventByID(ctx, db, targetEventID, deviceID)
	if err != nil {
		return nil, err
	}
	if target.SupersededBy != nil {
		return nil, ErrNotFound
	}
	res := db.WithContext(ctx).Model(&domain.HealthEvent{}).
		Where("id = ? AND device_id = ? AND superseded_by IS NULL", targetEventID, deviceID).
		Update("superseded_by", byEventID)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	target.SupersededBy = &byEventID
	return target, nil
}

// ListActiveEventsForDate returns the non-deleted, non-superseded events of
// the given types for one device whose bucket_date equals date. Selection is
// on the persisted bucket date, not occurred_at: the latter is client-asserted
// and may sit arbitrarily far from the bucket it reports on.
func ListActiveEventsForDate(ctx context.Context, db *gorm.DB, deviceID string, types []string, date string) ([]domain.HealthEvent, error) {
	var out []domain.HealthEvent
	err := db.WithContext(ctx).
		Where("device_id = ? AND event_type IN ? AND bucket_date = ?", deviceID, types, date).
		Where("deleted_by_event IS NULL AND superseded_by IS NULL").
		Order("occurred_at ASC").
		Find(&out).Error
	return out, err
}

// CountEventsByKey reports how many rows carry the idempotency key. Used by
// tests to assert the at-most-once invariant.
func CountEventsByKey(ctx context.Context, db *gorm.DB, key string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.HealthEvent{}).
		Where("idempotency_key = ?", key).Count(&n).Error
	return n, err
}

// Package domain defines the persistence models for the health event log and
// its hourly/daily rollup projections. These types are mapped with GORM and
// form the core data layer of the ingestion backend.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JSONMap is a type-specific event payload stored as a JSON text column.
// It implements driver.Valuer and sql.Scanner so GORM can persist it in
// SQLite without an external JSON datatype dependency.
type JSONMap map[string]any

// Value serializes the map to JSON for storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan deserializes a JSON text or blob column into the map.
func (m *JSONMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), m)
	case []byte:
		return json.Unmarshal(v, m)
	default:
		return errors.New("domain: unsupported payload column type")
	}
}

// HealthEvent is one immutable row in the append-only event log. Rows are
// created exactly once per idempotency key and are never updated or removed;
// corrections and deletions arrive as later compensating events that set the
// SupersededBy / DeletedByEvent markers on their target row.
//
// Fields:
//   - ID: server-generated prefixed identifier ("evt_<uuid>"), primary key.
//   - IdempotencyKey: caller-chosen or server-derived dedup token; globally
//     unique, at most 512 characters. The unique index is the authoritative
//     duplicate guard under concurrent retries.
//   - EventType: closed enumeration value, e.g. "StepsBucketedRecorded.v1".
//   - OccurredAt: client-asserted event time.
//   - BucketDate: local rollup date ("YYYY-MM-DD") derived from the payload's
//     bucket interval at ingest; empty for types that never project. This is
//     the column reprojection selects on, since OccurredAt is client-asserted
//     and carries no relation to the bucket.
//   - Payload: type-specific structured payload (JSON).
//   - DeviceID: authenticated caller identity (from the HMAC gate).
//   - DeletedByEvent / SupersededBy: event ids of the compensating
//     EventDeleted.v1 / EventCorrected.v1 rows, when any.
//   - CreatedAt: server receipt time.
type HealthEvent struct {
	ID             string    `json:"eventId"        gorm:"type:varchar(64);primaryKey"`
	IdempotencyKey string    `json:"idempotencyKey" gorm:"type:varchar(512);not null;uniqueIndex:ux_events_idempotency_key"`
	EventType      string    `json:"type"           gorm:"type:varchar(64);not null;index:idx_events_device_type,priority:2"`
	OccurredAt     time.Time `json:"occurredAt"     gorm:"not null;index"`
	BucketDate     string    `json:"-"              gorm:"type:varchar(10);index:idx_events_device_bucket,priority:2"`
	Payload        JSONMap   `json:"payload"        gorm:"type:text;not null"`
	DeviceID       string    `json:"deviceId"       gorm:"type:varchar(128);not null;index:idx_events_device_type,priority:1;index:idx_events_device_bucket,priority:1"`
	DeletedByEvent *string   `json:"-"              gorm:"type:varchar(64)"`
	SupersededBy   *string   `json:"-"              gorm:"type:varchar(64)"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TableName returns the database table name for HealthEvent.
func (HealthEvent) TableName() string { return "health_events" }

// Active reports whether the event still contributes to projections, i.e. it
// has been neither deleted nor superseded by a compensating event.
func (e *HealthEvent) Active() bool {
	return e.DeletedByEvent == nil && e.SupersededBy == nil
}

// HourlyRollup accumulates one metric for one device within a single local
// hour. Rows are merged on conflict: a new bucket landing in an existing hour
// adds its value, increments the bucket count, and widens the first/last
// bucket timestamps.
//
// Date is stored as "YYYY-MM-DD" in the configured rollup timezone so the
// (device, metric, date, hour) key stays stable across DST transitions.
type HourlyRollup struct {
	ID              uint       `json:"-"           gorm:"primaryKey"`
	DeviceID        string     `json:"deviceId"    gorm:"type:varchar(128);not null;uniqueIndex:ux_hourly_key,priority:1"`
	Metric          string     `json:"metric"      gorm:"type:varchar(32);not null;uniqueIndex:ux_hourly_key,priority:2"`
	Date            string     `json:"date"        gorm:"type:varchar(10);not null;uniqueIndex:ux_hourly_key,priority:3"`
	Hour            int        `json:"hour"        gorm:"not null;uniqueIndex:ux_hourly_key,priority:4"`
	Value           int64      `json:"value"       gorm:"not null;default:0"`
	BucketCount     int        `json:"bucketCount" gorm:"not null;default:0"`
	FirstBucketTime *time.Time `json:"firstBucketTime"`
	LastBucketTime  *time.Time `json:"lastBucketTime"`
	CreatedAt       time.Time  `json:"-"`
	UpdatedAt       time.Time  `json:"-"`
}

// TableName returns the database table name for HourlyRollup.
func (HourlyRollup) TableName() string { return "hourly_rollups" }

// DailyRollup is derived entirely from the HourlyRollup set for its
// (device, metric, date) key. It is never independently mutated; every write
// is a full recompute guarded by the optimistic Version column. A failed
// compare-and-swap on Version is the conflict signal that triggers the
// projector's bounded retry.
type DailyRollup struct {
	ID                  uint       `json:"-"        gorm:"primaryKey"`
	DeviceID            string     `json:"deviceId" gorm:"type:varchar(128);not null;uniqueIndex:ux_daily_key,priority:1"`
	Metric              string     `json:"metric"   gorm:"type:varchar(32);not null;uniqueIndex:ux_daily_key,priority:2"`
	Date                string     `json:"date"     gorm:"type:varchar(10);not null;uniqueIndex:ux_daily_key,priority:3"`
	TotalValue          int64      `json:"totalValue" gorm:"not null;default:0"`
	MostActiveHour      *int       `json:"mostActiveHour"`
	MostActiveHourValue int64      `json:"mostActiveHourValue" gorm:"not null;default:0"`
	ActiveHoursCount    int        `json:"activeHoursCount" gorm:"not null;default:0"`
	FirstActivityTime   *time.Time `json:"firstActivityTime"`
	LastActivityTime    *time.Time `json:"lastActivityTime"`
	Version             int64      `json:"-"        gorm:"not null;default:0"`
	CreatedAt           time.Time  `json:"-"`
	UpdatedAt           time.Time  `json:"-"`
}

// TableName returns the database table name for DailyRollup.
func (DailyRollup) TableName() string { return "daily_rollups" }

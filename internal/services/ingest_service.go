// Package services – event ingestion.
//
// Store accepts an authenticated device's batch of events and processes every
// item independently: validate, derive an idempotency key, insert, then hand
// the stored row to the projector. One bad item never fails its neighbours,
// and re-sending a batch is safe because duplicates are absorbed by the
// unique index on the idempotency key, not by any caller-side bookkeeping.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/healthassistant/go-health-backend/internal/domain"
	"github.com/healthassistant/go-health-backend/internal/repo"
)

var ingestItems = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingest_items_total",
		Help: "Ingested batch items by outcome.",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(ingestItems)
}

// Item outcome statuses reported per batch position.
const (
	StatusStored    = "stored"
	StatusDuplicate = "duplicate"
	StatusInvalid   = "invalid"
)

// IngestItem is one event in an ingestion batch. IdempotencyKey is optional;
// when absent the server derives one (see deriveIdempotencyKey).
type IngestItem struct {
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	EventType      string         `json:"type"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Payload        domain.JSONMap `json:"payload"`
}

// ItemResult reports the outcome for one batch position. Index always equals
// the item's position in the request so clients can correlate.
type ItemResult struct {
	Index   int               `json:"index"`
	Status  string            `json:"status"`
	EventID string            `json:"eventId,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

// IngestService stores event batches and drives the projector.
type IngestService struct {
	DB        *gorm.DB
	Projector *Projector
	MaxBatch  int
}

// NewIngestService constructs the service. maxBatch caps the items accepted
// per request.
func NewIngestService(db *gorm.DB, projector *Projector, maxBatch int) *IngestService {
	if maxBatch < 1 {
		maxBatch = 500
	}
	return &IngestService{DB: db, Projector: projector, MaxBatch: maxBatch}
}

// Store processes a batch for one device. The returned slice has exactly one
// entry per input item, in order. The error return covers batch-level
// rejections only (empty batch, over the size cap); item-level problems are
// reported positionally.
func (s *IngestService) Store(ctx context.Context, deviceID string, items []IngestItem) ([]ItemResult, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(items) > s.MaxBatch {
		return nil, fmt.Errorf("%w: %d items, limit %d", ErrBatchTooLarge, len(items), s.MaxBatch)
	}

	tr := otel.Tracer("services/IngestService")
	ctx, span := tr.Start(ctx, "Store",
		trace.WithAttributes(
			attribute.String("device.id", deviceID),
			attribute.Int("batch.size", len(items)),
		),
	)
	defer span.End()

	results := make([]ItemResult, len(items))
	for i := range items {
		results[i] = s.storeOne(ctx, deviceID, i, &items[i])
		ingestItems.WithLabelValues(results[i].Status).Inc()
	}
	return results, nil
}

// storeOne handles a single item. A panic inside one item (malformed payload
// shapes reaching a type assertion, mostly) is contained here and reported as
// an invalid item rather than aborting the batch.
func (s *IngestService) storeOne(ctx context.Context, deviceID string, index int, item *IngestItem) (res ItemResult) {
	res = ItemResult{Index: index}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("device_id", deviceID).
				Int("index", index).Str("event_type", item.EventType).
				Msg("ingest item processing panicked")
			res = ItemResult{
				Index:  index,
				Status: StatusInvalid,
				Errors: []ValidationError{{Field: "payload", Message: "unprocessable item"}},
			}
		}
	}()

	if verrs := Validate(item.EventType, item.Payload); len(verrs) > 0 {
		res.Status = StatusInvalid
		res.Errors = verrs
		return res
	}
	if item.OccurredAt.IsZero() {
		res.Status = StatusInvalid
		res.Errors = []ValidationError{{Field: "occurredAt", Message: "is required"}}
		return res
	}
	if len(item.IdempotencyKey) > maxIdempotencyKeyLen {
		res.Status = StatusInvalid
		res.Errors = []ValidationError{{Field: "idempotencyKey", Message: "must be at most 512 characters"}}
		return res
	}

	spec, _ := domain.LookupEventType(item.EventType)
	ev := &domain.HealthEvent{
		ID:             repo.NewEventID(),
		IdempotencyKey: deriveIdempotencyKey(deviceID, index, item, spec),
		EventType:      item.EventType,
		OccurredAt:     item.OccurredAt.UTC(),
		BucketDate:     s.Projector.BucketDateFor(item.EventType, item.Payload),
		Payload:        item.Payload,
		DeviceID:       deviceID,
	}

	err := repo.CreateEvent(ctx, s.DB, ev)
	switch {
	case errors.Is(err, repo.ErrDuplicate):
		res.Status = StatusDuplicate
		return res
	case err != nil:
		log.Error().Err(err).Str("device_id", deviceID).Int("index", index).
			Msg("event insert failed")
		res.Status = StatusInvalid
		res.Errors = []ValidationError{{Field: "", Message: "storage failure"}}
		return res
	}

	res.Status = StatusStored
	res.EventID = ev.ID

	if spec.Compensation {
		s.applyCompensation(ctx, deviceID, ev, spec)
	} else if err := s.Projector.ProjectStored(ctx, ev); err != nil {
		// The event row is committed; projection lag shows up in metrics
		// and logs, not in the client response.
		log.Warn().Err(err).Str("event_id", ev.ID).
			Msg("projection deferred after storage conflict")
	}
	return res
}

// maxIdempotencyKeyLen matches the column width of health_events.idempotency_key.
const maxIdempotencyKeyLen = 512

// deriveIdempotencyKey builds the unique key the duplicate guard hangs on.
// A caller-supplied key wins. Types carrying a natural identifier (workoutId,
// sleepId) key on it so the same workout re-synced days later still dedupes.
// Everything else gets a deterministic composite of device, type, occurrence
// time, and batch position, so retrying the same batch is a no-op while
// distinct same-second buckets in one batch stay distinct.
func deriveIdempotencyKey(deviceID string, index int, item *IngestItem, spec domain.EventTypeSpec) string {
	if k := strings.TrimSpace(item.IdempotencyKey); k != "" {
		return k
	}
	if spec.NaturalKeyField != "" {
		if id, ok := item.Payload[spec.NaturalKeyField].(string); ok && id != "" {
			label := strings.TrimSuffix(spec.NaturalKeyField, "Id")
			return deviceID + "|" + label + "|" + id
		}
	}
	return fmt.Sprintf("%s|%s|%s|%d",
		deviceID, item.EventType, item.OccurredAt.UTC().Format(time.RFC3339), index)
}

// applyCompensation resolves the target of an EventDeleted/EventCorrected
// row, marks it, and reprojects every rollup date the change touches. A
// missing or already-compensated target is a warning, not an item failure:
// the compensation event itself stays stored and the log remains the source
// of truth.
func (s *IngestService) applyCompensation(ctx context.Context, deviceID string, ev *domain.HealthEvent, spec domain.EventTypeSpec) {
	targetID, _ := ev.Payload["targetEventId"].(string)

	var (
		target *domain.HealthEvent
		err    error
	)
	if ev.EventType == domain.TypeEventDeleted {
		target, err = repo.MarkEventDeleted(ctx, s.DB, targetID, ev.ID, deviceID)
	} else {
		target, err = repo.MarkEventSuperseded(ctx, s.DB, targetID, ev.ID, deviceID)
	}
	if err != nil {
		log.Warn().Err(err).Str("event_id", ev.ID).Str("target_event_id", targetID).
			Str("device_id", deviceID).Msg("compensation target not applied")
		return
	}

	// A correction may move the contribution to another metric entirely, so
	// the affected set is keyed by (date, metric): the target's old slot and
	// the corrected payload's new slot both get rebuilt.
	type dateMetric struct{ date, metric string }
	affected := make(map[dateMetric]struct{})
	if metric := domain.MetricForType(target.EventType); metric != "" {
		if c, ok := s.Projector.extractContribution(target.EventType, target.Payload); ok {
			affected[dateMetric{c.date, metric}] = struct{}{}
		}
	}
	if ev.EventType == domain.TypeEventCorrected {
		innerType, _ := ev.Payload["correctedEventType"].(string)
		if metric := domain.MetricForType(innerType); metric != "" {
			if inner, ok := ev.Payload["correctedPayload"].(map[string]any); ok {
				if c, ok := s.Projector.extractContribution(innerType, domain.JSONMap(inner)); ok {
					affected[dateMetric{c.date, metric}] = struct{}{}
				}
			}
		}
	}

	for dm := range affected {
		if err := s.Projector.ReprojectDate(ctx, deviceID, dm.metric, dm.date); err != nil {
			log.Warn().Err(err).Str("metric", dm.metric).Str("date", dm.date).
				Msg("reprojection deferred after storage conflict")
		}
	}
}

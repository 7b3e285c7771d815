// Package services – rollup projector.
//
// The projector consumes stored events and incrementally maintains the hourly
// and daily rollup tables. Per (device, metric, date) key it runs the cycle
// merge-hourly → recompute-daily; corrections and deletions instead rebuild
// the affected date's hourly rows from the authoritative event log and then
// recompute the daily row, so there is no subtract-in-place drift.
//
// Concurrency: updates for the same key are serialized through a keyed mutex
// (two events landing in the same hour concurrently must not lose a merge),
// and the daily row's optimistic version column is the cross-process
// backstop. Conflicts and SQLite busy errors are retried a bounded number of
// times with exponential backoff plus jitter; the wait is a timer select, not
// a sleeping worker, and honors context cancellation. Exhausting retries is
// logged and counted; the event row itself stays committed, projection lag
// is acceptable, event loss is not.
package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
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

var (
	projectionMerges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollup_projection_merges_total",
			Help: "Hourly rollup merges applied, by metric.",
		},
		[]string{"metric"},
	)
	projectionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollup_projection_retries_total",
			Help: "Projection attempts retried after a storage conflict, by metric.",
		},
		[]string{"metric"},
	)
	projectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollup_projection_failures_total",
			Help: "Projections abandoned after exhausting retries, by metric.",
		},
		[]string{"metric"},
	)
)

func init() {
	prometheus.MustRegister(projectionMerges, projectionRetries, projectionFailures)
}

// keyedMutex serializes work per string key. Entries are reference-counted
// and removed as soon as the last holder releases them, so the map stays
// bounded by the number of in-flight keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLockEntry)}
}

func (k *keyedMutex) lock(key string) *keyLockEntry {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyLockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()
	e.mu.Lock()
	return e
}

func (k *keyedMutex) unlock(key string, e *keyLockEntry) {
	e.mu.Unlock()
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Projector maintains the rollup tables from stored events.
type Projector struct {
	DB       *gorm.DB
	Location *time.Location

	// Retry policy for storage conflicts.
	MaxAttempts int
	BaseBackoff time.Duration

	keys *keyedMutex
}

// NewProjector constructs a projector. location defaults to UTC, the retry
// policy to 3 attempts starting at 50ms.
func NewProjector(db *gorm.DB, location *time.Location, maxAttempts int, baseBackoff time.Duration) *Projector {
	if location == nil {
		location = time.UTC
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = 50 * time.Millisecond
	}
	return &Projector{
		DB:          db,
		Location:    location,
		MaxAttempts: maxAttempts,
		BaseBackoff: baseBackoff,
		keys:        newKeyedMutex(),
	}
}

// contribution is one event's share of an hourly rollup.
type contribution struct {
	value       int64
	bucketStart time.Time
	bucketEnd   time.Time
	date        string // "YYYY-MM-DD" in the projector's location
	hour        int
}

// ProjectStored folds one freshly stored event into the rollups. Event types
// outside the projected set are skipped silently; malformed payloads of
// projectable types are logged and skipped (the event row is data either
// way). Returns ErrProjectionExhausted (wrapped) when retries run out.
func (p *Projector) ProjectStored(ctx context.Context, ev *domain.HealthEvent) error {
	metric := domain.MetricForType(ev.EventType)
	if metric == "" {
		return nil
	}

	tr := otel.Tracer("services/Projector")
	ctx, span := tr.Start(ctx, "ProjectStored",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.type", ev.EventType),
			attribute.String("rollup.metric", metric),
		),
	)
	defer span.End()

	c, ok := p.extractContribution(ev.EventType, ev.Payload)
	if !ok {
		log.Warn().Str("event_id", ev.ID).Str("event_type", ev.EventType).
			Msg("projectable event has unusable bucket payload, skipping projection")
		return nil
	}
	if c.value == 0 {
		return nil
	}

	key := ev.DeviceID + "|" + metric + "|" + c.date
	e := p.keys.lock(key)
	defer p.keys.unlock(key, e)

	err := p.withRetry(ctx, metric, func() error {
		if err := p.mergeHourly(ctx, ev.DeviceID, metric, c); err != nil {
			return err
		}
		return p.recomputeDaily(ctx, ev.DeviceID, metric, c.date)
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Str("metric", metric).
			Str("date", c.date).Msg("rollup projection failed")
		return err
	}
	projectionMerges.WithLabelValues(metric).Inc()
	return nil
}

// ReprojectDate rebuilds the hourly rows for one device/metric/date directly
// from the event log and recomputes the daily row. Used after corrections and
// deletions: the old contribution is never subtracted, the date is re-derived
// from scratch.
func (p *Projector) ReprojectDate(ctx context.Context, deviceID, metric, date string) error {
	tr := otel.Tracer("services/Projector")
	ctx, span := tr.Start(ctx, "ReprojectDate",
		trace.WithAttributes(
			attribute.String("device.id", deviceID),
			attribute.String("rollup.metric", metric),
			attribute.String("rollup.date", date),
		),
	)
	defer span.End()

	key := deviceID + "|" + metric + "|" + date
	e := p.keys.lock(key)
	defer p.keys.unlock(key, e)

	err := p.withRetry(ctx, metric, func() error {
		if err := p.rebuildHourly(ctx, deviceID, metric, date); err != nil {
			return err
		}
		return p.recomputeDaily(ctx, deviceID, metric, date)
	})
	if err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Str("metric", metric).
			Str("date", date).Msg("rollup reprojection failed")
	}
	return err
}

// mergeHourly locates or creates the hourly row for the contribution's key,
// adds the value, bumps the bucket count, and widens the first/last bucket
// timestamps.
func (p *Projector) mergeHourly(ctx context.Context, deviceID, metric string, c contribution) error {
	row, err := repo.GetHourly(ctx, p.DB, deviceID, metric, c.date, c.hour)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		bs, be := c.bucketStart, c.bucketEnd
		row = &domain.HourlyRollup{
			DeviceID:        deviceID,
			Metric:          metric,
			Date:            c.date,
			Hour:            c.hour,
			Value:           c.value,
			BucketCount:     1,
			FirstBucketTime: &bs,
			LastBucketTime:  &be,
		}
	case err != nil:
		return err
	default:
		row.Value += c.value
		row.BucketCount++
		if row.FirstBucketTime == nil || c.bucketStart.Before(*row.FirstBucketTime) {
			bs := c.bucketStart
			row.FirstBucketTime = &bs
		}
		if row.LastBucketTime == nil || c.bucketEnd.After(*row.LastBucketTime) {
			be := c.bucketEnd
			row.LastBucketTime = &be
		}
	}
	return repo.SaveHourly(ctx, p.DB, row)
}

// rebuildHourly deletes the hourly rows for the date and re-derives them from
// the active events in the log, including corrected payloads carried by
// EventCorrected.v1 rows. Candidates are selected by the persisted bucket
// date, so an event whose client-asserted occurred_at sits days away from its
// bucket still survives reprojection.
func (p *Projector) rebuildHourly(ctx context.Context, deviceID, metric, date string) error {
	native, err := repo.ListActiveEventsForDate(ctx, p.DB, deviceID, domain.ProjectableTypes(metric), date)
	if err != nil {
		return err
	}
	corrections, err := repo.ListActiveEventsForDate(ctx, p.DB, deviceID,
		[]string{domain.TypeEventCorrected}, date)
	if err != nil {
		return err
	}

	byHour := make(map[int]*domain.HourlyRollup)
	merge := func(c contribution) {
		if c.date != date || c.value == 0 {
			return
		}
		row, ok := byHour[c.hour]
		if !ok {
			bs, be := c.bucketStart, c.bucketEnd
			byHour[c.hour] = &domain.HourlyRollup{
				DeviceID:        deviceID,
				Metric:          metric,
				Date:            date,
				Hour:            c.hour,
				Value:           c.value,
				BucketCount:     1,
				FirstBucketTime: &bs,
				LastBucketTime:  &be,
			}
			return
		}
		row.Value += c.value
		row.BucketCount++
		if c.bucketStart.Before(*row.FirstBucketTime) {
			bs := c.bucketStart
			row.FirstBucketTime = &bs
		}
		if c.bucketEnd.After(*row.LastBucketTime) {
			be := c.bucketEnd
			row.LastBucketTime = &be
		}
	}

	for i := range native {
		if c, ok := p.extractContribution(native[i].EventType, native[i].Payload); ok {
			merge(c)
		}
	}
	for i := range corrections {
		innerType, _ := corrections[i].Payload["correctedEventType"].(string)
		if domain.MetricForType(innerType) != metric {
			continue
		}
		inner, _ := corrections[i].Payload["correctedPayload"].(map[string]any)
		if inner == nil {
			continue
		}
		if c, ok := p.extractContribution(innerType, domain.JSONMap(inner)); ok {
			merge(c)
		}
	}

	if err := repo.DeleteHourlyForDate(ctx, p.DB, deviceID, metric, date); err != nil {
		return err
	}
	for _, row := range byHour {
		if err := repo.SaveHourly(ctx, p.DB, row); err != nil {
			return err
		}
	}
	return nil
}

// recomputeDaily rewrites the daily row as a pure function of the current
// hourly set: total, arg-max hour, count of hours with positive value, min
// and max of the bucket timestamps. Running it twice with no intervening
// hourly change produces the same row (the version bump aside).
func (p *Projector) recomputeDaily(ctx context.Context, deviceID, metric, date string) error {
	hours, err := repo.ListHourlyForDate(ctx, p.DB, deviceID, metric, date)
	if err != nil {
		return err
	}

	if len(hours) == 0 {
		return repo.DeleteDailyForDate(ctx, p.DB, deviceID, metric, date)
	}

	var (
		total        int64
		topHour      int
		topValue     int64 = -1
		activeHours  int
		firstTime    *time.Time
		lastTime     *time.Time
	)
	for i := range hours {
		h := &hours[i]
		total += h.Value
		if h.Value > topValue {
			topValue = h.Value
			topHour = h.Hour
		}
		if h.Value > 0 {
			activeHours++
		}
		if h.FirstBucketTime != nil && (firstTime == nil || h.FirstBucketTime.Before(*firstTime)) {
			firstTime = h.FirstBucketTime
		}
		if h.LastBucketTime != nil && (lastTime == nil || h.LastBucketTime.After(*lastTime)) {
			lastTime = h.LastBucketTime
		}
	}

	mah := topHour
	existing, err := repo.GetDaily(ctx, p.DB, deviceID, metric, date)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.CreateDaily(ctx, p.DB, &domain.DailyRollup{
			DeviceID:            deviceID,
			Metric:              metric,
			Date:                date,
			TotalValue:          total,
			MostActiveHour:      &mah,
			MostActiveHourValue: topValue,
			ActiveHoursCount:    activeHours,
			FirstActivityTime:   firstTime,
			LastActivityTime:    lastTime,
		})
	}
	if err != nil {
		return err
	}

	existing.TotalValue = total
	existing.MostActiveHour = &mah
	existing.MostActiveHourValue = topValue
	existing.ActiveHoursCount = activeHours
	existing.FirstActivityTime = firstTime
	existing.LastActivityTime = lastTime
	return repo.UpdateDailyCAS(ctx, p.DB, existing, existing.Version)
}

// BucketDateFor returns the local rollup date an event's payload lands on, or
// "" for types that never project. EventCorrected.v1 rows take the date of
// their corrected payload so a rebuild of that date finds them. The result is
// persisted on the event row at ingest and is what reprojection selects on.
func (p *Projector) BucketDateFor(eventType string, payload domain.JSONMap) string {
	if eventType == domain.TypeEventCorrected {
		innerType, _ := payload["correctedEventType"].(string)
		inner, _ := payload["correctedPayload"].(map[string]any)
		if inner == nil {
			return ""
		}
		if c, ok := p.extractContribution(innerType, domain.JSONMap(inner)); ok {
			return c.date
		}
		return ""
	}
	if c, ok := p.extractContribution(eventType, payload); ok {
		return c.date
	}
	return ""
}

// extractContribution pulls the metric value and bucket interval out of a
// payload according to the event-type table.
func (p *Projector) extractContribution(eventType string, payload domain.JSONMap) (contribution, bool) {
	spec, ok := domain.LookupEventType(eventType)
	if !ok || spec.Metric == "" {
		return contribution{}, false
	}
	bs, okS := getTime(payload, "bucketStart")
	be, okE := getTime(payload, "bucketEnd")
	if !okS || !okE {
		return contribution{}, false
	}
	v, okV := getNumber(payload, spec.ValueField)
	if !okV || v < 0 {
		return contribution{}, false
	}
	local := bs.In(p.Location)
	return contribution{
		value:       int64(v),
		bucketStart: bs,
		bucketEnd:   be,
		date:        local.Format("2006-01-02"),
		hour:        local.Hour(),
	}, true
}

// withRetry runs op up to MaxAttempts times, waiting between attempts with
// exponential backoff plus jitter. Only conflict-class errors are retried.
func (p *Projector) withRetry(ctx context.Context, metric string, op func() error) error {
	backoff := p.BaseBackoff
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !isRetryableConflict(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			projectionFailures.WithLabelValues(metric).Inc()
			return fmt.Errorf("%w after %d attempts: %v", ErrProjectionExhausted, attempt, err)
		}
		projectionRetries.WithLabelValues(metric).Inc()

		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

// isRetryableConflict recognizes the transient storage conflicts worth
// retrying: a lost optimistic-version race or SQLite lock contention.
func isRetryableConflict(err error) bool {
	if errors.Is(err, repo.ErrConflict) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "database is locked") ||
		strings.Contains(low, "database table is locked") ||
		strings.Contains(low, "sqlite_busy")
}

// Package services – event validation.
//
// Validate performs the per-type structural and range checks on a decoded
// payload. It is pure: no I/O, no side effects, and it may report several
// errors in one call. An unknown event type short-circuits with a single
// error before any payload inspection.
package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/healthassistant/go-health-backend/internal/domain"
)

// ValidationError describes one failed check on a submitted event.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validate checks eventType against the closed catalogue and, for known
// types, verifies the required-field set and the numeric/temporal constraints
// of that payload shape.
func Validate(eventType string, payload domain.JSONMap) []ValidationError {
	spec, ok := domain.LookupEventType(eventType)
	if !ok {
		return []ValidationError{{Field: "type", Message: fmt.Sprintf("unknown event type: %s", eventType)}}
	}

	if payload == nil {
		return []ValidationError{{Field: "payload", Message: "missing required field: payload"}}
	}

	var errs []ValidationError
	for _, f := range spec.Required {
		if v, present := payload[f]; !present || v == nil {
			errs = append(errs, ValidationError{Field: f, Message: "missing required field: " + f})
		}
	}

	switch eventType {
	case domain.TypeStepsBucketed:
		errs = appendNonNegativeInt(errs, payload, "count")
		errs = appendBucketOrder(errs, payload, "bucketStart", "bucketEnd")
	case domain.TypeDistanceBucket:
		errs = appendNonNegative(errs, payload, "distanceMeters")
		errs = appendBucketOrder(errs, payload, "bucketStart", "bucketEnd")
	case domain.TypeHeartRate:
		errs = appendHeartRate(errs, payload)
		errs = appendBucketOrder(errs, payload, "bucketStart", "bucketEnd")
	case domain.TypeSleepSession:
		errs = appendNonNegativeInt(errs, payload, "totalMinutes")
		for _, f := range []string{"lightSleepMinutes", "deepSleepMinutes", "remSleepMinutes", "awakeMinutes"} {
			errs = appendOptionalNonNegativeInt(errs, payload, f)
		}
		errs = appendBoundedInt(errs, payload, "sleepScore", 0, 100)
		errs = appendBucketOrder(errs, payload, "sleepStart", "sleepEnd")
	case domain.TypeActiveCalories:
		errs = appendNonNegative(errs, payload, "energyKcal")
		errs = appendBucketOrder(errs, payload, "bucketStart", "bucketEnd")
	case domain.TypeActiveMinutes:
		errs = appendNonNegativeInt(errs, payload, "activeMinutes")
		errs = appendBucketOrder(errs, payload, "bucketStart", "bucketEnd")
	case domain.TypeWalkingSession:
		errs = appendNonNegativeInt(errs, payload, "durationMinutes")
		errs = appendOptionalNonNegativeInt(errs, payload, "totalSteps")
		errs = appendOptionalNonNegativeInt(errs, payload, "totalCalories")
		errs = appendBucketOrder(errs, payload, "start", "end")
	case domain.TypeWorkout:
		errs = appendWorkoutStructure(errs, payload)
	case domain.TypeEventCorrected:
		if v, ok := payload["correctedEventType"].(string); ok && v != "" {
			if inner, known := domain.LookupEventType(v); !known || inner.Compensation {
				errs = append(errs, ValidationError{Field: "correctedEventType", Message: "must be a concrete event type"})
			}
		}
	}

	return errs
}

// --- field helpers ---

func getNumber(payload domain.JSONMap, field string) (float64, bool) {
	switch v := payload[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func getTime(payload domain.JSONMap, field string) (time.Time, bool) {
	s, ok := payload[field].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func appendNonNegative(errs []ValidationError, payload domain.JSONMap, field string) []ValidationError {
	if n, ok := getNumber(payload, field); ok && n < 0 {
		errs = append(errs, ValidationError{Field: field, Message: "must be non-negative"})
	}
	return errs
}

func appendNonNegativeInt(errs []ValidationError, payload domain.JSONMap, field string) []ValidationError {
	n, ok := getNumber(payload, field)
	if !ok {
		if _, present := payload[field]; present && payload[field] != nil {
			errs = append(errs, ValidationError{Field: field, Message: "must be a number"})
		}
		return errs
	}
	if n < 0 {
		errs = append(errs, ValidationError{Field: field, Message: "must be non-negative"})
	}
	return errs
}

func appendOptionalNonNegativeInt(errs []ValidationError, payload domain.JSONMap, field string) []ValidationError {
	if v, present := payload[field]; !present || v == nil {
		return errs
	}
	return appendNonNegativeInt(errs, payload, field)
}

func appendBoundedInt(errs []ValidationError, payload domain.JSONMap, field string, min, max float64) []ValidationError {
	if v, present := payload[field]; !present || v == nil {
		return errs
	}
	if n, ok := getNumber(payload, field); ok && (n < min || n > max) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("must be between %.0f and %.0f", min, max)})
	}
	return errs
}

func appendBucketOrder(errs []ValidationError, payload domain.JSONMap, startField, endField string) []ValidationError {
	start, okS := getTime(payload, startField)
	end, okE := getTime(payload, endField)
	if okS && okE && !start.Before(end) {
		errs = append(errs, ValidationError{Field: endField, Message: "must be after " + startField})
	}
	return errs
}

func appendHeartRate(errs []ValidationError, payload domain.JSONMap) []ValidationError {
	if n, ok := getNumber(payload, "samples"); ok && n < 1 {
		errs = append(errs, ValidationError{Field: "samples", Message: "must be at least 1"})
	}
	min, okMin := getNumber(payload, "min")
	max, okMax := getNumber(payload, "max")
	avg, okAvg := getNumber(payload, "avg")
	if okMin && min < 0 {
		errs = append(errs, ValidationError{Field: "min", Message: "must be non-negative"})
	}
	if okMin && okMax && min > max {
		errs = append(errs, ValidationError{Field: "min", Message: "cannot be greater than max"})
	}
	if okAvg && okMin && avg < min {
		errs = append(errs, ValidationError{Field: "avg", Message: "cannot be less than min"})
	}
	if okAvg && okMax && avg > max {
		errs = append(errs, ValidationError{Field: "avg", Message: "cannot be greater than max"})
	}
	return errs
}

func appendWorkoutStructure(errs []ValidationError, payload domain.JSONMap) []ValidationError {
	raw, present := payload["exercises"]
	if !present || raw == nil {
		return errs
	}
	exercises, ok := raw.([]any)
	if !ok || len(exercises) == 0 {
		errs = append(errs, ValidationError{Field: "exercises", Message: "cannot be empty"})
		return errs
	}
	for i, e := range exercises {
		prefix := fmt.Sprintf("exercises[%d]", i)
		ex, ok := e.(map[string]any)
		if !ok {
			errs = append(errs, ValidationError{Field: prefix, Message: "must be an object"})
			continue
		}
		sets, ok := ex["sets"].([]any)
		if !ok || len(sets) == 0 {
			errs = append(errs, ValidationError{Field: prefix + ".sets", Message: "cannot be empty"})
			continue
		}
		for j, s := range sets {
			set, ok := s.(map[string]any)
			if !ok {
				continue
			}
			setPrefix := fmt.Sprintf("%s.sets[%d]", prefix, j)
			if w, ok := set["weightKg"].(float64); ok && w < 0 {
				errs = append(errs, ValidationError{Field: setPrefix + ".weightKg", Message: "must be non-negative"})
			}
			if r, ok := set["reps"].(float64); ok && r < 1 {
				errs = append(errs, ValidationError{Field: setPrefix + ".reps", Message: "must be positive"})
			}
		}
	}
	return errs
}

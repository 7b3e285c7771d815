// Event type catalogue for the domain package.
//
// The event type set is closed: every type the API accepts is listed here with
// its payload contract (required fields, which metric it feeds, whether it is a
// compensating event). An unknown type string is a hard validation error, never
// a silent no-op.
package domain

// Metric names the rollup a projectable event type feeds.
const (
	MetricSteps         = "steps"
	MetricActiveMinutes = "active_minutes"
)

// Event type identifiers accepted by the ingestion API.
const (
	TypeStepsBucketed  = "StepsBucketedRecorded.v1"
	TypeDistanceBucket = "DistanceBucketRecorded.v1"
	TypeHeartRate      = "HeartRateSummaryRecorded.v1"
	TypeSleepSession   = "SleepSessionRecorded.v1"
	TypeActiveCalories = "ActiveCaloriesBurnedRecorded.v1"
	TypeActiveMinutes  = "ActiveMinutesRecorded.v1"
	TypeWalkingSession = "WalkingSessionRecorded.v1"
	TypeWorkout        = "WorkoutRecorded.v1"
	TypeMeal           = "MealRecorded.v1"
	TypeEventDeleted   = "EventDeleted.v1"
	TypeEventCorrected = "EventCorrected.v1"
)

// EventTypeSpec describes the payload contract for one event type.
type EventTypeSpec struct {
	// Required lists payload fields that must be present and non-null.
	Required []string
	// Metric is the rollup this type contributes to, or "" for types the
	// projector skips.
	Metric string
	// ValueField is the payload field holding the metric contribution.
	ValueField string
	// Bucketed marks types carrying bucketStart/bucketEnd interval fields.
	Bucketed bool
	// Compensation marks EventDeleted/EventCorrected, which target a prior
	// event instead of carrying new measurements.
	Compensation bool
	// NaturalKeyField holds a payload field whose value forms a natural
	// idempotency key (workoutId, sleepId), when the type has one.
	NaturalKeyField string
}

// eventTypes is the explicit dispatch table keyed by the wire type string.
var eventTypes = map[string]EventTypeSpec{
	TypeStepsBucketed: {
		Required:   []string{"bucketStart", "bucketEnd", "count"},
		Metric:     MetricSteps,
		ValueField: "count",
		Bucketed:   true,
	},
	TypeDistanceBucket: {
		Required: []string{"bucketStart", "bucketEnd", "distanceMeters"},
		Bucketed: true,
	},
	TypeHeartRate: {
		Required: []string{"bucketStart", "bucketEnd", "avg", "min", "max", "samples"},
		Bucketed: true,
	},
	TypeSleepSession: {
		Required:        []string{"sleepId", "sleepStart", "sleepEnd", "totalMinutes"},
		NaturalKeyField: "sleepId",
	},
	TypeActiveCalories: {
		Required: []string{"bucketStart", "bucketEnd", "energyKcal"},
		Bucketed: true,
	},
	TypeActiveMinutes: {
		Required:   []string{"bucketStart", "bucketEnd", "activeMinutes"},
		Metric:     MetricActiveMinutes,
		ValueField: "activeMinutes",
		Bucketed:   true,
	},
	TypeWalkingSession: {
		Required: []string{"sessionId", "start", "end", "durationMinutes"},
	},
	TypeWorkout: {
		Required:        []string{"workoutId", "performedAt", "exercises"},
		NaturalKeyField: "workoutId",
	},
	TypeMeal: {
		Required: []string{"mealId", "consumedAt"},
	},
	TypeEventDeleted: {
		Required:     []string{"targetEventId"},
		Compensation: true,
	},
	TypeEventCorrected: {
		Required:     []string{"targetEventId", "correctedEventType", "correctedPayload", "correctedOccurredAt"},
		Compensation: true,
	},
}

// LookupEventType returns the payload contract for an event type string.
// The second result is false for unknown types.
func LookupEventType(name string) (EventTypeSpec, bool) {
	spec, ok := eventTypes[name]
	return spec, ok
}

// ProjectableTypes returns the event types that feed a given metric. Used by
// the projector when rebuilding a date from the event log.
func ProjectableTypes(metric string) []string {
	var out []string
	for name, spec := range eventTypes {
		if spec.Metric == metric {
			out = append(out, name)
		}
	}
	return out
}

// MetricForType returns the rollup metric a type feeds, or "" when the
// projector should skip it.
func MetricForType(name string) string {
	return eventTypes[name].Metric
}

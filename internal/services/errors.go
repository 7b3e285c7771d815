// Package services contains the application logic of the ingestion backend:
// batch event storage, rollup projection, and rollup queries. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrBatchTooLarge is returned when a submitted batch exceeds the
	// configured item cap. It rejects the whole request, not single items.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")

	// ErrEmptyBatch is returned when a submission carries no items.
	ErrEmptyBatch = errors.New("batch is empty")

	// ErrUnknownMetric is returned by the query facade for a metric name
	// outside the projected set.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrInvalidRange is returned when a range query has end before start or
	// spans more than the supported maximum.
	ErrInvalidRange = errors.New("invalid date range")

	// ErrProjectionExhausted indicates the projector ran out of retries on
	// storage conflicts. The underlying event row remains stored; only the
	// derived rollup is stale until a later reprojection.
	ErrProjectionExhausted = errors.New("projection retries exhausted")
)

// Ingestion HTTP handlers.
//
// This file exposes the write side of the API:
//   - POST /v1/ingest/events  (authenticated batch submission)
//
// Handlers are transport-thin: they validate input shape, call application
// services, and translate results into HTTP responses. Item-level outcomes
// (stored, duplicate, invalid) never fail the request; only batch-level
// problems produce non-2xx responses.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/healthassistant/go-health-backend/internal/http/middleware"
	"github.com/healthassistant/go-health-backend/internal/services"
)

// IngestService defines the batch-storage operation consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type IngestService interface {
	// Store processes a device's batch and returns one result per item,
	// in input order.
	Store(ctx context.Context, deviceID string, items []services.IngestItem) ([]services.ItemResult, error)
}

// IngestRequest is the JSON payload for a batch submission.
type IngestRequest struct {
	// Events is the ordered batch; each item is judged independently.
	Events []services.IngestItem `json:"events" binding:"required"`
}

// IngestResponse reports per-item outcomes plus summary counts.
type IngestResponse struct {
	Results   []services.ItemResult `json:"results"`
	Stored    int                   `json:"stored"`
	Duplicate int                   `json:"duplicate"`
	Invalid   int                   `json:"invalid"`
}

// IngestHandlers groups the write-side endpoints.
type IngestHandlers struct {
	svc IngestService
}

// NewIngest constructs the ingestion handlers bound to the given service.
func NewIngest(svc IngestService) *IngestHandlers {
	return &IngestHandlers{svc: svc}
}

// IngestEvents godoc
// @ID          ingestEvents
// @Summary     Submit a batch of health events
// @Description Stores each event in the batch independently and returns a positional result per item. Requires HMAC authentication headers.
// @Tags        Ingest
// @Accept      json
// @Produce     json
//
// @Param       X-Device-Id   header  string  true  "Device identifier"
// @Param       X-Timestamp   header  string  true  "Request timestamp (RFC 3339)"
// @Param       X-Nonce       header  string  true  "Single-use nonce"
// @Param       X-Signature   header  string  true  "Base64 HMAC-SHA256 signature"
// @Param       body          body    handlers.IngestRequest  true  "Event batch"
//
// @Success     200  {object}  handlers.IngestResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request / batch too large"
// @Failure     401  {object}  handlers.ErrorResponse  "Authentication failed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /v1/ingest/events [post]
func (h *IngestHandlers) IngestEvents(c *gin.Context) {
	deviceID := middleware.DeviceIDFrom(c)
	if deviceID == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication failed")
		return
	}

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	results, err := h.svc.Store(c.Request.Context(), deviceID, req.Events)
	switch {
	case errors.Is(err, services.ErrEmptyBatch):
		fail(c, http.StatusBadRequest, ErrCodeEmptyBatch, "batch must contain at least one event")
		return
	case errors.Is(err, services.ErrBatchTooLarge):
		fail(c, http.StatusBadRequest, ErrCodeBatchTooLarge, err.Error())
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeIngestFailed, err.Error())
		return
	}

	resp := IngestResponse{Results: results}
	for i := range results {
		switch results[i].Status {
		case services.StatusStored:
			resp.Stored++
		case services.StatusDuplicate:
			resp.Duplicate++
		case services.StatusInvalid:
			resp.Invalid++
		}
	}
	ok(c, http.StatusOK, resp)
}

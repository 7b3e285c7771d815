// Rollup query HTTP handlers.
//
// This file exposes the read side of the API:
//   - GET /v1/steps/daily/{date}      (24-hour steps breakdown)
//   - GET /v1/steps/range             (steps over a span of days)
//   - GET /v1/activity/daily/{date}   (24-hour active-minutes breakdown)
//   - GET /v1/activity/range          (active minutes over a span of days)
//
// All reads are zero-filled: a date with no data still returns a full shape
// with zero values, never a 404.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/healthassistant/go-health-backend/internal/domain"
	"github.com/healthassistant/go-health-backend/internal/services"
)

// QueryService defines the rollup read operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type QueryService interface {
	// Daily returns the zero-filled 24-hour breakdown for one date.
	Daily(ctx context.Context, deviceID, metric, date string) (*services.DailyBreakdown, error)
	// Range returns one entry per calendar day between two dates inclusive.
	Range(ctx context.Context, deviceID, metric, startDate, endDate string) (*services.RangeSummary, error)
}

// QueryHandlers groups the read-side endpoints.
type QueryHandlers struct {
	svc QueryService
}

// NewQuery constructs the query handlers bound to the given service.
func NewQuery(svc QueryService) *QueryHandlers {
	return &QueryHandlers{svc: svc}
}

// queryDeviceID extracts the device whose data is requested. Read paths are
// not behind the HMAC gate, so the id comes from the deviceId query
// parameter.
func queryDeviceID(c *gin.Context) string {
	return strings.TrimSpace(c.Query("deviceId"))
}

// StepsDaily godoc
// @ID          stepsDaily
// @Summary     Hourly steps breakdown for one date
// @Description Returns 24 hour slots for the date; hours without data are zero.
// @Tags        Steps
// @Produce     json
//
// @Param       date      path   string  true  "Date (YYYY-MM-DD)"  example(2026-08-30)
// @Param       deviceId  query  string  true  "Device identifier"
//
// @Success     200  {object}  services.DailyBreakdown
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /v1/steps/daily/{date} [get]
func (h *QueryHandlers) StepsDaily(c *gin.Context) {
	h.daily(c, domain.MetricSteps)
}

// StepsRange godoc
// @ID          stepsRange
// @Summary     Steps totals over a date range
// @Description Returns one entry per calendar day between start and end inclusive.
// @Tags        Steps
// @Produce     json
//
// @Param       start     query  string  true  "Start date (YYYY-MM-DD)"  example(2026-08-01)
// @Param       end       query  string  true  "End date (YYYY-MM-DD)"    example(2026-08-31)
// @Param       deviceId  query  string  true  "Device identifier"
//
// @Success     200  {object}  services.RangeSummary
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /v1/steps/range [get]
func (h *QueryHandlers) StepsRange(c *gin.Context) {
	h.rangeQuery(c, domain.MetricSteps)
}

// ActivityDaily godoc
// @ID          activityDaily
// @Summary     Hourly active-minutes breakdown for one date
// @Description Returns 24 hour slots for the date; hours without data are zero.
// @Tags        Activity
// @Produce     json
//
// @Param       date      path   string  true  "Date (YYYY-MM-DD)"  example(2026-08-30)
// @Param       deviceId  query  string  true  "Device identifier"
//
// @Success     200  {object}  services.DailyBreakdown
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /v1/activity/daily/{date} [get]
func (h *QueryHandlers) ActivityDaily(c *gin.Context) {
	h.daily(c, domain.MetricActiveMinutes)
}

// ActivityRange godoc
// @ID          activityRange
// @Summary     Active minutes over a date range
// @Description Returns one entry per calendar day between start and end inclusive.
// @Tags        Activity
// @Produce     json
//
// @Param       start     query  string  true  "Start date (YYYY-MM-DD)"  example(2026-08-01)
// @Param       end       query  string  true  "End date (YYYY-MM-DD)"    example(2026-08-31)
// @Param       deviceId  query  string  true  "Device identifier"
//
// @Success     200  {object}  services.RangeSummary
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /v1/activity/range [get]
func (h *QueryHandlers) ActivityRange(c *gin.Context) {
	h.rangeQuery(c, domain.MetricActiveMinutes)
}

func (h *QueryHandlers) daily(c *gin.Context, metric string) {
	deviceID := queryDeviceID(c)
	if deviceID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "deviceId query parameter is required")
		return
	}

	out, err := h.svc.Daily(c.Request.Context(), deviceID, metric, c.Param("date"))
	if err != nil {
		failQuery(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

func (h *QueryHandlers) rangeQuery(c *gin.Context, metric string) {
	deviceID := queryDeviceID(c)
	if deviceID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "deviceId query parameter is required")
		return
	}

	out, err := h.svc.Range(c.Request.Context(), deviceID, metric, c.Query("start"), c.Query("end"))
	if err != nil {
		failQuery(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// failQuery maps service-level query errors onto HTTP responses.
func failQuery(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrUnknownMetric):
		fail(c, http.StatusBadRequest, ErrCodeInvalidMetric, err.Error())
	case errors.Is(err, services.ErrInvalidRange):
		fail(c, http.StatusBadRequest, ErrCodeInvalidRange, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeQueryFailed, err.Error())
	}
}

// Package services – rollup queries.
//
// The query side reads only the rollup tables, never the event log, and
// normalizes absence: a day with no data is a full 24-slot zero breakdown and
// a range with gaps still yields one entry per calendar day. Clients never
// see a sparse shape.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/healthassistant/go-health-backend/internal/domain"
	"github.com/healthassistant/go-health-backend/internal/repo"
)

// MaxRangeDays caps the span a single range query may cover.
const MaxRangeDays = 366

// HourSlot is one hour of a daily breakdown. Hours with no data carry zero.
type HourSlot struct {
	Hour  int   `json:"hour"`
	Value int64 `json:"value"`
}

// DailyBreakdown is the per-hour view of one date, always 24 slots.
type DailyBreakdown struct {
	Date                string     `json:"date"`
	Metric              string     `json:"metric"`
	Total               int64      `json:"total"`
	MostActiveHour      *int       `json:"mostActiveHour"`
	MostActiveHourValue int64      `json:"mostActiveHourValue"`
	ActiveHoursCount    int        `json:"activeHoursCount"`
	FirstActivityTime   *time.Time `json:"firstActivityTime"`
	LastActivityTime    *time.Time `json:"lastActivityTime"`
	Hours               []HourSlot `json:"hours"`
}

// RangeDay is one calendar day inside a range summary.
type RangeDay struct {
	Date  string `json:"date"`
	Total int64  `json:"total"`
}

// RangeSummary aggregates a contiguous span of days.
type RangeSummary struct {
	Metric       string     `json:"metric"`
	StartDate    string     `json:"startDate"`
	EndDate      string     `json:"endDate"`
	Total        int64      `json:"total"`
	DailyAverage float64    `json:"dailyAverage"`
	DaysWithData int        `json:"daysWithData"`
	Days         []RangeDay `json:"days"`
}

// QueryService answers daily and range rollup queries.
type QueryService struct {
	DB *gorm.DB
}

// NewQueryService constructs the read-side facade.
func NewQueryService(db *gorm.DB) *QueryService {
	return &QueryService{DB: db}
}

// Daily returns the 24-hour breakdown for one device, metric, and date.
// Absent hours, and entirely absent days, come back zero-filled.
func (s *QueryService) Daily(ctx context.Context, deviceID, metric, date string) (*DailyBreakdown, error) {
	if err := checkMetric(metric); err != nil {
		return nil, err
	}
	if _, err := parseDate(date); err != nil {
		return nil, err
	}

	tr := otel.Tracer("services/QueryService")
	ctx, span := tr.Start(ctx, "Daily",
		trace.WithAttributes(
			attribute.String("device.id", deviceID),
			attribute.String("rollup.metric", metric),
			attribute.String("rollup.date", date),
		),
	)
	defer span.End()

	out := &DailyBreakdown{
		Date:   date,
		Metric: metric,
		Hours:  make([]HourSlot, 24),
	}
	for h := 0; h < 24; h++ {
		out.Hours[h].Hour = h
	}

	hours, err := repo.ListHourlyForDate(ctx, s.DB, deviceID, metric, date)
	if err != nil {
		return nil, err
	}
	for i := range hours {
		if h := hours[i].Hour; h >= 0 && h < 24 {
			out.Hours[h].Value = hours[i].Value
		}
	}

	daily, err := repo.GetDaily(ctx, s.DB, deviceID, metric, date)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return out, nil
	case err != nil:
		return nil, err
	}

	out.Total = daily.TotalValue
	out.MostActiveHour = daily.MostActiveHour
	out.MostActiveHourValue = daily.MostActiveHourValue
	out.ActiveHoursCount = daily.ActiveHoursCount
	out.FirstActivityTime = daily.FirstActivityTime
	out.LastActivityTime = daily.LastActivityTime
	return out, nil
}

// Range returns one entry per calendar day between startDate and endDate
// inclusive, plus totals and the average over all days in the span (not just
// days with data).
func (s *QueryService) Range(ctx context.Context, deviceID, metric, startDate, endDate string) (*RangeSummary, error) {
	if err := checkMetric(metric); err != nil {
		return nil, err
	}
	start, err := parseDate(startDate)
	if err != nil {
		return nil, err
	}
	end, err := parseDate(endDate)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, endDate, startDate)
	}
	spanDays := int(end.Sub(start).Hours()/24) + 1
	if spanDays > MaxRangeDays {
		return nil, fmt.Errorf("%w: %d days exceeds limit of %d", ErrInvalidRange, spanDays, MaxRangeDays)
	}

	tr := otel.Tracer("services/QueryService")
	ctx, span := tr.Start(ctx, "Range",
		trace.WithAttributes(
			attribute.String("device.id", deviceID),
			attribute.String("rollup.metric", metric),
			attribute.String("rollup.start", startDate),
			attribute.String("rollup.end", endDate),
		),
	)
	defer span.End()

	rows, err := repo.ListDailyRange(ctx, s.DB, deviceID, metric, startDate, endDate)
	if err != nil {
		return nil, err
	}
	byDate := make(map[string]int64, len(rows))
	for i := range rows {
		byDate[rows[i].Date] = rows[i].TotalValue
	}

	out := &RangeSummary{
		Metric:    metric,
		StartDate: startDate,
		EndDate:   endDate,
		Days:      make([]RangeDay, 0, spanDays),
	}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		date := d.Format("2006-01-02")
		total := byDate[date]
		out.Days = append(out.Days, RangeDay{Date: date, Total: total})
		out.Total += total
		if total > 0 {
			out.DaysWithData++
		}
	}
	out.DailyAverage = float64(out.Total) / float64(spanDays)
	return out, nil
}

func checkMetric(metric string) error {
	switch metric {
	case domain.MetricSteps, domain.MetricActiveMinutes:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
}

func parseDate(date string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrInvalidRange, date)
	}
	return t, nil
}

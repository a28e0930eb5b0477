package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "warden"

// Metrics holds all Warden metric instruments.
type Metrics struct {
	ReviewsQueued    metric.Int64Counter
	ReviewsAssigned  metric.Int64Counter
	ReviewsCompleted metric.Int64Counter
	ReviewsTimedOut  metric.Int64Counter
	ReviewDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ReviewsQueued, err = meter.Int64Counter("warden.reviews.queued",
		metric.WithDescription("Number of supervision requests enqueued"))
	if err != nil {
		return nil, err
	}

	m.ReviewsAssigned, err = meter.Int64Counter("warden.reviews.assigned",
		metric.WithDescription("Number of supervision requests assigned to reviewers"))
	if err != nil {
		return nil, err
	}

	m.ReviewsCompleted, err = meter.Int64Counter("warden.reviews.completed",
		metric.WithDescription("Number of supervision requests resolved with a decision"))
	if err != nil {
		return nil, err
	}

	m.ReviewsTimedOut, err = meter.Int64Counter("warden.reviews.timed_out",
		metric.WithDescription("Number of supervision requests that expired unresolved"))
	if err != nil {
		return nil, err
	}

	m.ReviewDuration, err = meter.Float64Histogram("warden.review.duration_seconds",
		metric.WithDescription("Time from assignment to decision in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Package observability exposes the service's OpenTelemetry metrics. The
// global meter provider is used, so without an SDK wired by the embedding
// host the counters are no-ops.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/formbridge/formbridge"

// Metrics holds the counters the core records.
type Metrics struct {
	submissionsCreated   metric.Int64Counter
	submissionsSubmitted metric.Int64Counter
	submissionsExpired   metric.Int64Counter
	deliveryAttempts     metric.Int64Counter
	deliveryFailures     metric.Int64Counter
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.submissionsCreated, err = meter.Int64Counter("formbridge.submissions.created",
		metric.WithDescription("Submissions opened")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	if m.submissionsSubmitted, err = meter.Int64Counter("formbridge.submissions.submitted",
		metric.WithDescription("Submissions that passed full validation")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	if m.submissionsExpired, err = meter.Int64Counter("formbridge.submissions.expired",
		metric.WithDescription("Submissions expired by TTL")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	if m.deliveryAttempts, err = meter.Int64Counter("formbridge.delivery.attempts",
		metric.WithDescription("Delivery attempts, successful or not")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	if m.deliveryFailures, err = meter.Int64Counter("formbridge.delivery.failures",
		metric.WithDescription("Deliveries that exhausted all attempts")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) SubmissionCreated(ctx context.Context, intakeID string) {
	m.submissionsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("intake", intakeID)))
}

func (m *Metrics) SubmissionSubmitted(ctx context.Context, intakeID string) {
	m.submissionsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("intake", intakeID)))
}

func (m *Metrics) SubmissionExpired(ctx context.Context) {
	m.submissionsExpired.Add(ctx, 1)
}

func (m *Metrics) DeliveryAttempt(ctx context.Context, succeeded bool) {
	m.deliveryAttempts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", succeeded)))
}

func (m *Metrics) DeliveryExhausted(ctx context.Context) {
	m.deliveryFailures.Add(ctx, 1)
}

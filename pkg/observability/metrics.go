// Package observability exposes the governance counters. Instruments
// hang off the global OpenTelemetry meter provider; without a configured
// exporter they are no-ops, so the engine records unconditionally.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Mindburn-Labs/govern"

// Metrics bundles the instrument set used by the engine and verifier.
type Metrics struct {
	transitions  metric.Int64Counter
	commits      metric.Int64Counter
	rejections   metric.Int64Counter
	verifyChecks metric.Int64Counter
	recoveries   metric.Int64Counter
}

// New builds the instrument set from the global meter provider.
func New() (*Metrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	transitions, err := meter.Int64Counter("govern.transitions",
		metric.WithDescription("Accepted lifecycle transitions"))
	if err != nil {
		return nil, err
	}
	commits, err := meter.Int64Counter("govern.commits",
		metric.WithDescription("DCL commits appended"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("govern.rejections",
		metric.WithDescription("Rejected operations by code"))
	if err != nil {
		return nil, err
	}
	verifyChecks, err := meter.Int64Counter("govern.verifications",
		metric.WithDescription("Verifier runs by outcome"))
	if err != nil {
		return nil, err
	}
	recoveries, err := meter.Int64Counter("govern.journal_recoveries",
		metric.WithDescription("Journal recoveries by action"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		transitions:  transitions,
		commits:      commits,
		rejections:   rejections,
		verifyChecks: verifyChecks,
		recoveries:   recoveries,
	}, nil
}

// Nop builds the instrument set for callers that cannot surface a
// construction error; without a configured exporter every record is a
// no-op.
func Nop() *Metrics {
	m, _ := New()
	return m
}

func (m *Metrics) Transition(ctx context.Context, event string, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) Commit(ctx context.Context, packetID string) {
	m.commits.Add(ctx, 1, metric.WithAttributes(attribute.String("packet", packetID)))
}

func (m *Metrics) Rejection(ctx context.Context, code string) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) Verification(ctx context.Context, ok bool) {
	m.verifyChecks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (m *Metrics) Recovery(ctx context.Context, action string) {
	m.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

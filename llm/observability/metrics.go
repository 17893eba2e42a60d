// Package observability instruments the router and workflow engine with
// OpenTelemetry traces and metrics. All hooks are nil-safe so callers can
// run without telemetry configured.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BaSui01/contentflow/llm"

// Metrics collects router and engine telemetry.
type Metrics struct {
	tracer trace.Tracer
	meter  metric.Meter

	queryTotal     metric.Int64Counter
	fallbackTotal  metric.Int64Counter
	errorTotal     metric.Int64Counter
	tokenTotal     metric.Int64Counter
	phaseTotal     metric.Int64Counter
	queryDuration  metric.Float64Histogram
	phaseDuration  metric.Float64Histogram
	costPerRequest metric.Float64Histogram
}

// NewMetrics creates the instrumentation against the global otel providers.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	if m.queryTotal, err = m.meter.Int64Counter("router.query.total",
		metric.WithDescription("Total router queries"),
		metric.WithUnit("{query}")); err != nil {
		return nil, err
	}
	if m.fallbackTotal, err = m.meter.Int64Counter("router.fallback.total",
		metric.WithDescription("Chain entries that failed before a success"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if m.errorTotal, err = m.meter.Int64Counter("router.error.total",
		metric.WithDescription("Queries that exhausted the fallback chain"),
		metric.WithUnit("{query}")); err != nil {
		return nil, err
	}
	if m.tokenTotal, err = m.meter.Int64Counter("router.token.total",
		metric.WithDescription("Tokens consumed across providers"),
		metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if m.phaseTotal, err = m.meter.Int64Counter("workflow.phase.total",
		metric.WithDescription("Phase executions by terminal status"),
		metric.WithUnit("{phase}")); err != nil {
		return nil, err
	}
	if m.queryDuration, err = m.meter.Float64Histogram("router.query.duration",
		metric.WithDescription("Router query duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.phaseDuration, err = m.meter.Float64Histogram("workflow.phase.duration",
		metric.WithDescription("Phase execution duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.costPerRequest, err = m.meter.Float64Histogram("router.query.cost",
		metric.WithDescription("USD cost per successful query"),
		metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	return m, nil
}

// StartQuery opens a span for one router query. Safe on a nil receiver.
func (m *Metrics) StartQuery(ctx context.Context, taskType, taskStep string) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, "router.query",
		trace.WithAttributes(
			attribute.String("task.type", taskType),
			attribute.String("task.step", taskStep),
		),
	)
}

// EndQuery records the query outcome on span and counters.
func (m *Metrics) EndQuery(ctx context.Context, span trace.Span, model string, fallbacks, tokens int, costUSD float64, start time.Time, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.queryTotal.Add(ctx, 1, attrs)
	m.fallbackTotal.Add(ctx, int64(fallbacks), attrs)
	m.queryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		m.errorTotal.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		m.tokenTotal.Add(ctx, int64(tokens), attrs)
		m.costPerRequest.Record(ctx, costUSD, attrs)
		span.SetAttributes(
			attribute.String("model.selected", model),
			attribute.Int("fallback.count", fallbacks),
		)
	}
	span.End()
}

// RecordPhase records one terminal phase execution.
func (m *Metrics) RecordPhase(ctx context.Context, phase, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("status", status),
	)
	m.phaseTotal.Add(ctx, 1, attrs)
	m.phaseDuration.Record(ctx, duration.Seconds(), attrs)
}

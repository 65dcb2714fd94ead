// Package telemetry defines the metrics and tracing hooks used by the bridge
// and the hook dispatcher, with OpenTelemetry backed and no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Metrics records counters and timers. Tags are flattened key/value pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts spans around bridged operations and hook dispatches.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the subset of trace.Span the runtime relies on.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names emitted by the runtime.
const (
	MetricOperationResolved  = "spellbridge.operation.resolved"
	MetricOperationTimedOut  = "spellbridge.operation.timed_out"
	MetricOperationCancelled = "spellbridge.operation.cancelled"
	MetricOperationFailed    = "spellbridge.operation.failed"
	MetricOperationDuration  = "spellbridge.operation.duration"
	MetricOperationsInFlight = "spellbridge.operation.in_flight"
	MetricHookDuration       = "spellbridge.hook.duration"
	MetricHookTimeout        = "spellbridge.hook.timeout"
	MetricHookFailure        = "spellbridge.hook.failure"
	MetricHookSkipped        = "spellbridge.hook.skipped"
	MetricHookBreakerOpen    = "spellbridge.hook.breaker_open"
	MetricEventDropped       = "spellbridge.event.dropped"
)

// Package telemetry defines the observability seams used throughout the
// orchestration kernel. Components receive a Logger and a Metrics recorder at
// construction time; nothing in the kernel reaches for a global logger or
// meter. Production wiring uses the Clue/OTEL implementations; tests use the
// no-op ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured key-value log records. Implementations must be
	// safe for concurrent use.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges for kernel instrumentation
	// (dispatch latency, queue depth, limiter denials, breaker transitions).
	// Tags are flat key/value string pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates spans around suspension points (worker execution, bus
	// store calls, aggregator fan-out).
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the minimal span surface the kernel needs.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cachefront/cachefront/engine"
)

// tracerName is the instrumentation library name reported alongside every
// span this package produces.
const tracerName = "github.com/cachefront/cachefront/observability"

// StartExecuteSpan opens a span covering one Engine.Execute call. Callers
// must End the returned span once Execute and the response body that
// resulted from it have both been dealt with.
func StartExecuteSpan(ctx context.Context, route string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "cache.execute", trace.WithAttributes(
		attribute.String("cache.route", route),
	))
}

// AnnotateSpan records the engine's outcome on an already-open span.
func AnnotateSpan(span trace.Span, attrs engine.Attrs) {
	span.SetAttributes(
		attribute.String("cache.status", string(attrs.Status)),
		attribute.String("cache.fwd_reason", attrs.FwdReason),
		attribute.Bool("cache.stored", attrs.Stored),
		attribute.Bool("cache.collapsed", attrs.Collapsed),
		attribute.Bool("cache.synthetic", attrs.Synthetic),
		attribute.Int64("cache.ttl_seconds", int64(attrs.TTL.Seconds())),
	)
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for minder spans.
var (
	AttrDeviceID   = attribute.Key("minder.device.id")
	AttrBackend    = attribute.Key("minder.sync.backend")
	AttrOutcome    = attribute.Key("minder.sync.outcome")
	AttrRecordKind = attribute.Key("minder.record.kind")
	AttrRecordID   = attribute.Key("minder.record.id")
	AttrTier       = attribute.Key("minder.storage.tier")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (sync backend).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

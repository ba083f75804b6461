package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for beacon spans.
var (
	AttrRecordType = attribute.Key("beacon.record.type")
	AttrStorePath  = attribute.Key("beacon.store.path")
	AttrCommand    = attribute.Key("beacon.command.name")
	AttrDate       = attribute.Key("beacon.command.date")
	AttrTimestamp  = attribute.Key("beacon.command.timestamp")
	AttrBlobPath   = attribute.Key("beacon.blob.path")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (store, blob store).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

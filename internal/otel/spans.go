package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for swarmstore spans.
var (
	AttrSessionID = attribute.Key("swarmstore.session.id")
	AttrGroupID   = attribute.Key("swarmstore.group.id")
	AttrStateType = attribute.Key("swarmstore.state.type")
	AttrScope     = attribute.Key("swarmstore.scope")
	AttrCategory  = attribute.Key("swarmstore.event.category")
	AttrIteration = attribute.Key("swarmstore.investigation.iteration")
	AttrCommand   = attribute.Key("swarmstore.command")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (the storage engine).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

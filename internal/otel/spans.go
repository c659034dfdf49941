package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for go-arena spans.
var (
	AttrTaskID      = attribute.Key("goarena.task.id")
	AttrRunID       = attribute.Key("goarena.run.id")
	AttrAgentName   = attribute.Key("goarena.agent.name")
	AttrSandboxID   = attribute.Key("goarena.sandbox.id")
	AttrJudgeModel  = attribute.Key("goarena.judge.model")
	AttrCandidates  = attribute.Key("goarena.crown.candidates")
	AttrWinnerRunID = attribute.Key("goarena.crown.winner_run_id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (judge oracle, sandbox provider).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

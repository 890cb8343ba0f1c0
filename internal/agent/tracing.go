package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

const tracerName = "agentgate/agent"

// startRunSpan opens the span covering one full run. With no tracer
// provider installed these are no-ops.
func startRunSpan(ctx context.Context, run store.AgentRun) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("run.id", run.RunID),
			attribute.String("chat.id", run.ChatID),
			attribute.String("channel.id", run.ChannelID),
		))
}

func endRunSpan(span trace.Span, run store.AgentRun) {
	span.SetAttributes(
		attribute.String("run.status", string(run.Status)),
		attribute.Int("run.steps", run.Step),
	)
	if run.Error != nil {
		span.SetStatus(codes.Error, string(run.Error.Kind))
	}
	span.End()
}

func startToolSpan(ctx context.Context, toolName string, step int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.tool",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.Int("run.step", step),
		))
}

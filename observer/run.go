package observer

import (
	"context"
	"time"

	gro "github.com/nevindra/gro"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObserveRun wraps one scheduler run in a parent span that contains all
// inner operations (LLM calls, tool executions) as child spans via context
// propagation.
func ObserveRun(ctx context.Context, inst *Instruments, sessionID string, fn func(context.Context) gro.RunResult) gro.RunResult {
	ctx, span := inst.Tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		AttrRunSession.String(sessionID),
	))
	defer span.End()
	start := time.Now()

	span.AddEvent("run.started")

	result := fn(ctx)

	durationMs := float64(time.Since(start).Milliseconds())
	switch result.Reason {
	case gro.StopError:
		span.AddEvent("run.failed")
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
	case gro.StopCancelled:
		span.AddEvent("run.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	default:
		span.AddEvent("run.completed")
	}

	span.SetAttributes(
		AttrRunStop.String(string(result.Reason)),
		AttrRunTurns.Int(result.Turns),
		AttrTokensInput.Int(result.Usage.InputTokens),
		AttrTokensOutput.Int(result.Usage.OutputTokens),
		AttrCostUSD.Float64(result.Cost),
	)

	// Metrics
	inst.RunExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stop_reason", string(result.Reason)),
	))
	inst.RunDuration.Record(ctx, durationMs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("run completed"))
	rec.AddAttributes(
		otellog.String("run.session_id", sessionID),
		otellog.String("run.stop_reason", string(result.Reason)),
		otellog.Int("run.turns", result.Turns),
		otellog.Int("tokens.input", result.Usage.InputTokens),
		otellog.Int("tokens.output", result.Usage.OutputTokens),
		otellog.Float64("run.cost_usd", result.Cost),
		otellog.Float64("duration_ms", durationMs),
	)
	inst.Logger.Emit(ctx, rec)

	return result
}

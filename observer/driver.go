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

// ObservedDriver wraps a gro.Driver with OTEL instrumentation.
type ObservedDriver struct {
	inner gro.Driver
	inst  *Instruments
}

// WrapDriver returns an instrumented driver that emits traces, metrics, and
// logs for every chat request.
func WrapDriver(inner gro.Driver, inst *Instruments) *ObservedDriver {
	return &ObservedDriver{inner: inner, inst: inst}
}

func (o *ObservedDriver) Name() string { return o.inner.Name() }

func (o *ObservedDriver) Chat(ctx context.Context, msgs []gro.Message, opts gro.ChatOptions) (*gro.Output, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(opts.Model),
			AttrLLMProvider.String(o.inner.Name()),
		),
	}
	if len(opts.Tools) > 0 {
		toolNames := make([]string, len(opts.Tools))
		for i, t := range opts.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(opts.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", spanAttrs...)
	defer span.End()
	start := time.Now()

	// Count stream chunks without changing the driver's streaming decision:
	// drivers stream iff a callback is set, so only wrap existing ones.
	chunks := 0
	if inner := opts.OnToken; inner != nil {
		opts.OnToken = func(tok string) {
			chunks++
			inner(tok)
		}
	}

	out, err := o.inner.Chat(ctx, msgs, opts)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if chunks > 0 {
		span.SetAttributes(AttrStreamChunks.Int(chunks))
	}

	var usage gro.Usage
	if out != nil {
		usage = out.Usage
	}
	o.record(ctx, span, opts.Model, status, durationMs, usage)
	return out, err
}

func (o *ObservedDriver) record(ctx context.Context, span trace.Span, model, status string, durationMs float64, usage gro.Usage) {
	cost := o.inst.Cost.Calculate(model, usage)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrTokensCacheWrite.Int(usage.CacheWriteTokens),
		AttrTokensCacheRead.Int(usage.CacheReadTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Int("llm.tokens.cache_read", usage.CacheReadTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ gro.Driver = (*ObservedDriver)(nil)

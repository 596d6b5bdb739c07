package runtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/telemetry"
)

type (
	// tracedClient decorates a model.Client with spans and metrics so every
	// provider call is observable regardless of which adapter backs it.
	tracedClient struct {
		inner   model.Client
		tracer  telemetry.Tracer
		metrics telemetry.Metrics
		logger  telemetry.Logger
	}

	tracedStream struct {
		inner   model.Streamer
		span    telemetry.Span
		metrics telemetry.Metrics
		modelID string
		started time.Time

		mu    sync.Mutex
		usage model.TokenUsage

		endOnce sync.Once
	}
)

func newTracedClient(inner model.Client, tracer telemetry.Tracer, metrics telemetry.Metrics, logger telemetry.Logger) model.Client {
	if inner == nil {
		return nil
	}
	return &tracedClient{
		inner:   inner,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

func (c *tracedClient) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	ctx, span := c.tracer.Start(
		ctx,
		"model.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(modelSpanAttrs(req)...),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.inner.Complete(ctx, req)
	c.metrics.RecordTimer("agent_model_duration", time.Since(start), "model", req.Model, "op", "complete")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model complete failed")
		c.metrics.IncCounter("agent_model_errors", 1, "model", req.Model, "op", "complete")
		c.logger.Error(ctx, "model complete failed", "model", req.Model, "err", err)
		return resp, err
	}
	recordUsage(span, c.metrics, req.Model, resp.Usage)
	if resp.FinishReason != "" {
		span.AddEvent("model.finish", "reason", string(resp.FinishReason))
	}
	span.SetStatus(codes.Ok, "ok")
	return resp, nil
}

func (c *tracedClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	ctx, span := c.tracer.Start(
		ctx,
		"model.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(modelSpanAttrs(req)...),
	)

	start := time.Now()
	st, err := c.inner.Stream(ctx, req)
	if err != nil {
		// The unsupported sentinel routes the caller to Complete; it is not
		// a provider failure.
		if errors.Is(err, model.ErrStreamingUnsupported) {
			span.SetStatus(codes.Ok, "streaming unsupported")
			span.End()
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "model stream failed")
		span.End()
		c.metrics.IncCounter("agent_model_errors", 1, "model", req.Model, "op", "stream")
		c.logger.Error(ctx, "model stream failed", "model", req.Model, "err", err)
		return nil, err
	}
	return &tracedStream{
		inner:   st,
		span:    span,
		metrics: c.metrics,
		modelID: req.Model,
		started: start,
	}, nil
}

func (s *tracedStream) Recv() (model.StreamPart, error) {
	part, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.end(codes.Ok, "eof")
			return part, err
		}
		s.span.RecordError(err)
		s.end(codes.Error, "stream recv failed")
		return part, err
	}
	if part.Type == model.PartFinishStep || part.Type == model.PartFinish {
		s.mu.Lock()
		s.usage.Add(part.Usage)
		s.mu.Unlock()
		if part.FinishReason != "" {
			s.span.AddEvent("model.finish", "reason", string(part.FinishReason))
		}
	}
	return part, nil
}

func (s *tracedStream) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.span.RecordError(err)
		s.end(codes.Error, "stream close failed")
		return err
	}
	s.end(codes.Ok, "closed")
	return nil
}

func (s *tracedStream) Metadata() map[string]any {
	return s.inner.Metadata()
}

func (s *tracedStream) end(code codes.Code, desc string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		usage := s.usage
		s.mu.Unlock()

		recordUsage(s.span, s.metrics, s.modelID, usage)
		s.metrics.RecordTimer("agent_model_duration", time.Since(s.started), "model", s.modelID, "op", "stream")
		s.span.SetStatus(code, desc)
		s.span.End()
	})
}

func recordUsage(span telemetry.Span, metrics telemetry.Metrics, modelID string, usage model.TokenUsage) {
	if (usage == model.TokenUsage{}) {
		return
	}
	span.AddEvent(
		"model.usage",
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"total_tokens", usage.TotalTokens,
	)
	metrics.IncCounter("agent_model_input_tokens", float64(usage.InputTokens), "model", modelID)
	metrics.IncCounter("agent_model_output_tokens", float64(usage.OutputTokens), "model", modelID)
}

func modelSpanAttrs(req model.Request) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("agentrun.model", req.Model),
		attribute.Int("agentrun.message_count", len(req.Messages)),
		attribute.Int("agentrun.tool_count", len(req.Tools)),
		attribute.Int("agentrun.max_tokens", req.MaxTokens),
	}
}

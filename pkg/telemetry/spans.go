package telemetry

import (
	"context"

	"dev-dns/pkg/logging"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// logSpanProcessor writes every finished span as one debug log line
type logSpanProcessor struct {
	logger *logging.Logger
}

func newLogSpanProcessor(logger *logging.Logger) *logSpanProcessor {
	return &logSpanProcessor{logger: logger}
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	args := []any{
		"span", s.Name(),
		"trace_id", s.SpanContext().TraceID().String(),
		"span_id", s.SpanContext().SpanID().String(),
		"duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds(),
	}
	if parent := s.Parent(); parent.IsValid() {
		args = append(args, "parent_id", parent.SpanID().String())
	}
	if status := s.Status(); status.Description != "" {
		args = append(args, "status", status.Description)
	}
	for _, kv := range s.Attributes() {
		args = append(args, string(kv.Key), kv.Value.Emit())
	}
	p.logger.Debug("Span finished", args...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }

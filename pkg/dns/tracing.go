package dns

import (
	"context"

	"dev-dns/pkg/forwarder"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "dev-dns/pkg/dns"

func noopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(tracerName)
}

// startRequestSpan opens the span covering one client request
func (h *Handler) startRequestSpan(ctx context.Context, client string, r *dns.Msg) (context.Context, trace.Span) {
	return h.Tracer.Start(ctx, "dns.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("client", client),
			attribute.Int("dns.id", int(r.Id)),
			attribute.Int("dns.questions", len(r.Question)),
		),
	)
}

// forward runs one forward task inside its own span
func (h *Handler) forward(ctx context.Context, task *forwardTask) {
	q := task.question
	ctx, span := h.Tracer.Start(ctx, "dns.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dns.name", q.Name),
			attribute.String("dns.type", dnsTypeLabel(q.Qtype)),
		),
	)
	defer span.End()

	res := h.Forwarder.Forward(ctx, q)
	task.result = res

	span.SetAttributes(
		attribute.String("forward.status", res.Status.String()),
		attribute.String("forward.upstream", res.Upstream),
		attribute.Int("dns.answers", len(res.Answers)),
	)
	if res.Status != forwarder.StatusAnswered {
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		span.SetStatus(codes.Error, res.Status.String())
	}
}

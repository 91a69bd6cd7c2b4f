package dns

import (
	"context"

	"dev-dns/pkg/forwarder"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// recordQuestion counts a question taken off the work-queue
func (h *Handler) recordQuestion(ctx context.Context, q dns.Question) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.DNSQuestionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", dnsTypeLabel(q.Qtype))))
}

// recordAnswer reports an answer (or a forwarding failure) to the answer
// recorder and counts local answers.
func (h *Handler) recordAnswer(ctx context.Context, client string, source AnswerSource, q dns.Question, ans Answer) {
	if h.Answers != nil {
		h.Answers.Record(AnswerEvent{
			Client:   client,
			Source:   source,
			Question: q,
			Answer:   ans,
		})
	}
	if source == SourceLocal && h.Metrics != nil {
		h.Metrics.DNSLocalAnswers.Add(ctx, 1, metric.WithAttributes(attribute.String("type", dnsTypeLabel(ans.Type))))
	}
}

// recordForward increments the forwarded-question counter and, on failure,
// the timeout or error counter, tagged with the upstream that was tried last.
func (h *Handler) recordForward(ctx context.Context, res forwarder.Result) {
	if h.Metrics == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 2)
	attrs = append(attrs, attribute.String("type", dnsTypeLabel(res.Question.Qtype)))
	if res.Upstream != "" {
		attrs = append(attrs, attribute.String("upstream", res.Upstream))
	}
	opt := metric.WithAttributes(attrs...)

	h.Metrics.DNSForwardedQueries.Add(ctx, 1, opt)
	switch res.Status {
	case forwarder.StatusTimeout:
		h.Metrics.DNSForwardTimeouts.Add(ctx, 1, opt)
	case forwarder.StatusFailed:
		h.Metrics.DNSForwardErrors.Add(ctx, 1, opt)
	}
}

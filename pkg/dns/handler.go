// Package dns contains the request handler that answers questions from the
// local override table, forwards the rest upstream and merges everything
// into a single response, plus the UDP server around it.
package dns

import (
	"context"
	"strconv"

	"dev-dns/pkg/config"
	"dev-dns/pkg/forwarder"
	"dev-dns/pkg/localrecords"
	"dev-dns/pkg/logging"
	"dev-dns/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Forwarder resolves questions that have no local override
type Forwarder interface {
	Eligible(qtype uint16) bool
	Forward(ctx context.Context, q dns.Question) forwarder.Result
}

// Handler is a DNS handler
type Handler struct {
	Records   *localrecords.Store
	Forwarder Forwarder
	Answers   AnswerRecorder
	Metrics   *telemetry.Metrics
	Logger    *logging.Logger
	Tracer    trace.Tracer

	DefaultTTL            uint32
	MaxQuestions          int
	MaxConcurrentForwards int
}

// NewHandler creates a handler for the given override table.
// fwd may be nil, in which case unmatched questions stay unanswered.
// A nil logger means the global one.
func NewHandler(cfg *config.Config, records *localrecords.Store, fwd Forwarder, logger *logging.Logger) *Handler {
	if records == nil {
		records = localrecords.Empty()
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &Handler{
		Records:               records,
		Forwarder:             fwd,
		Logger:                logger,
		Tracer:                noopTracer(),
		DefaultTTL:            cfg.Records.DefaultTTL,
		MaxQuestions:          cfg.Resolver.MaxQuestions,
		MaxConcurrentForwards: cfg.Resolver.MaxConcurrentForwards,
	}
}

// SetAnswerRecorder sets where answer events are reported
func (h *Handler) SetAnswerRecorder(r AnswerRecorder) {
	h.Answers = r
}

// SetMetrics sets the metrics collector
func (h *Handler) SetMetrics(m *telemetry.Metrics) {
	h.Metrics = m
}

// SetTracerProvider enables request and forward spans
func (h *Handler) SetTracerProvider(tp trace.TracerProvider) {
	h.Tracer = tp.Tracer(tracerName)
}

// writeMsg writes a DNS message to the response writer.
// A failed write means the client is gone; it is logged and otherwise ignored.
func (h *Handler) writeMsg(w dns.ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil {
		h.Logger.Warn("Failed to write DNS response",
			"client", getClientIP(w),
			"id", msg.Id,
			"error", err)
	}
}

// ServeDNS resolves every question of r and writes exactly one response.
// The response code is NOERROR even when nothing could be answered; a
// request without questions gets FORMERR.
func (h *Handler) ServeDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	client := getClientIP(w)
	ctx, span := h.startRequestSpan(ctx, client, r)
	defer span.End()

	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.RecursionAvailable = true

	if len(r.Question) == 0 {
		span.SetStatus(codes.Error, "no questions")
		msg.SetRcode(r, dns.RcodeFormatError)
		HandleEDNS0(r, msg)
		h.writeMsg(w, msg)
		return
	}

	// SetReply keeps only the first question
	msg.Question = append([]dns.Question(nil), r.Question...)

	req := newPendingRequest(client, h.MaxQuestions)
	for _, q := range r.Question {
		req.seed(q)
	}

	msg.Answer = h.resolve(ctx, req)
	span.SetAttributes(
		attribute.Int("dns.answers", len(msg.Answer)),
		attribute.Int("dns.forwards", len(req.tasks)),
	)
	HandleEDNS0(r, msg)
	h.writeMsg(w, msg)
}

// dnsTypeLabel returns a human-readable string for the query type, falling back to TYPE#### per RFC 3597 when unknown.
func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}

package dns

import (
	"context"
	"strings"

	"dev-dns/pkg/forwarder"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// requestState tracks how far a request has progressed
type requestState int

const (
	stateDraining requestState = iota
	stateAwaitingForwards
	stateDone
)

func (s requestState) String() string {
	switch s {
	case stateDraining:
		return "draining"
	case stateAwaitingForwards:
		return "awaiting_forwards"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

type questionKey struct {
	name  string
	qtype uint16
}

// forwardTask is a deferred upstream lookup. Its goroutine writes only result.
type forwardTask struct {
	question dns.Question
	result   forwarder.Result
}

// pendingRequest is the per-request resolution state. It is owned by the
// goroutine serving the request; forward tasks only touch their own slot.
type pendingRequest struct {
	client       string
	queue        []dns.Question
	answers      []dns.RR
	tasks        []*forwardTask
	visited      map[questionKey]struct{}
	expanded     int
	maxQuestions int
	state        requestState
}

func newPendingRequest(client string, maxQuestions int) *pendingRequest {
	return &pendingRequest{
		client:       client,
		visited:      make(map[questionKey]struct{}),
		maxQuestions: maxQuestions,
	}
}

func keyOf(q dns.Question) questionKey {
	return questionKey{name: strings.ToLower(dns.Fqdn(q.Name)), qtype: q.Qtype}
}

// seed appends a question taken from the client's request. Every one is
// processed, repeats included.
func (r *pendingRequest) seed(q dns.Question) {
	r.visited[keyOf(q)] = struct{}{}
	r.queue = append(r.queue, q)
}

// enqueue appends a question produced by CNAME expansion. It reports false
// when q was already processed in this request or the expansion limit is
// reached.
func (r *pendingRequest) enqueue(q dns.Question) bool {
	key := keyOf(q)
	if _, seen := r.visited[key]; seen {
		return false
	}
	if r.maxQuestions > 0 && r.expanded >= r.maxQuestions {
		return false
	}
	r.visited[key] = struct{}{}
	r.expanded++
	r.queue = append(r.queue, q)
	return true
}

func (r *pendingRequest) next() (dns.Question, bool) {
	if len(r.queue) == 0 {
		return dns.Question{}, false
	}
	q := r.queue[0]
	r.queue = r.queue[1:]
	return q, true
}

func (r *pendingRequest) schedule(q dns.Question) {
	r.tasks = append(r.tasks, &forwardTask{question: q})
}

// resolve drains the work-queue, then waits for every forward task and
// appends its answers in task order. It returns once the request is done.
func (h *Handler) resolve(ctx context.Context, req *pendingRequest) []dns.RR {
	for {
		q, ok := req.next()
		if !ok {
			break
		}
		h.resolveQuestion(ctx, req, q)
	}

	req.state = stateAwaitingForwards
	h.awaitForwards(ctx, req)

	req.state = stateDone
	return req.answers
}

// resolveQuestion answers q from the override table or schedules a forward
func (h *Handler) resolveQuestion(ctx context.Context, req *pendingRequest, q dns.Question) {
	h.recordQuestion(ctx, q)

	records := h.Records.Match(q.Name)
	if len(records) == 0 {
		if h.Forwarder == nil || !h.Forwarder.Eligible(q.Qtype) {
			h.Logger.Debug("Question left unanswered",
				"domain", q.Name,
				"type", dnsTypeLabel(q.Qtype),
				"client", req.client,
			)
			return
		}
		req.schedule(q)
		return
	}

	for _, rec := range records {
		rr, err := encodeRecord(q, rec, h.DefaultTTL)
		if err != nil {
			h.Logger.Warn("Skipping invalid local record",
				"domain", q.Name,
				"record", rec.String(),
				"error", err,
			)
			continue
		}

		req.answers = append(req.answers, rr)
		h.recordAnswer(ctx, req.client, SourceLocal, q, AnswerFromRR(rr))

		if cname, ok := rr.(*dns.CNAME); ok {
			h.expandCNAME(req, q, cname)
		}
	}
}

// expandCNAME queues an A lookup for the alias target
func (h *Handler) expandCNAME(req *pendingRequest, q dns.Question, cname *dns.CNAME) {
	next := dns.Question{Name: cname.Target, Qtype: dns.TypeA, Qclass: dns.ClassINET}
	if req.enqueue(next) {
		return
	}
	h.Logger.Debug("CNAME target not queued",
		"domain", q.Name,
		"target", cname.Target,
		"expanded", req.expanded,
		"max_questions", req.maxQuestions,
	)
}

// awaitForwards runs every forward task concurrently and blocks until all
// of them have finished. Each task is bounded by the forwarder's timeout.
func (h *Handler) awaitForwards(ctx context.Context, req *pendingRequest) {
	if len(req.tasks) == 0 {
		return
	}

	var g errgroup.Group
	if h.MaxConcurrentForwards > 0 {
		g.SetLimit(h.MaxConcurrentForwards)
	}
	for _, task := range req.tasks {
		task := task
		g.Go(func() error {
			h.forward(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	for _, task := range req.tasks {
		h.collectForward(ctx, req, task)
	}
}

// collectForward appends a finished task's answers and reports its outcome
func (h *Handler) collectForward(ctx context.Context, req *pendingRequest, task *forwardTask) {
	res := task.result
	q := task.question
	h.recordForward(ctx, res)

	switch {
	case res.Status == forwarder.StatusTimeout:
		h.recordAnswer(ctx, req.client, SourceProxy, q, Answer{Name: q.Name, Type: q.Qtype, Value: ValueTimeout})
	case res.Status != forwarder.StatusAnswered || len(res.Answers) == 0:
		if res.Err != nil {
			h.Logger.Debug("Forwarded question not answered",
				"domain", q.Name,
				"type", dnsTypeLabel(q.Qtype),
				"upstream", res.Upstream,
				"error", res.Err,
			)
		}
		h.recordAnswer(ctx, req.client, SourceProxy, q, Answer{Name: q.Name, Type: q.Qtype, Value: ValueUnknown})
	default:
		for _, rr := range res.Answers {
			req.answers = append(req.answers, rr)
			h.recordAnswer(ctx, req.client, SourceProxy, q, AnswerFromRR(rr))
		}
	}
}

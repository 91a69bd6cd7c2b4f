package dns

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dev-dns/pkg/config"
	"dev-dns/pkg/forwarder"
	"dev-dns/pkg/localrecords"
	"dev-dns/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockResponseWriter implements dns.ResponseWriter for testing
type mockResponseWriter struct {
	msg        *dns.Msg
	writes     int
	remoteAddr net.Addr
}

func (m *mockResponseWriter) LocalAddr() net.Addr  { return nil }
func (m *mockResponseWriter) RemoteAddr() net.Addr { return m.remoteAddr }
func (m *mockResponseWriter) WriteMsg(msg *dns.Msg) error {
	m.msg = msg
	m.writes++
	return nil
}
func (m *mockResponseWriter) Write([]byte) (int, error) { return 0, nil }
func (m *mockResponseWriter) Close() error              { return nil }
func (m *mockResponseWriter) TsigStatus() error         { return nil }
func (m *mockResponseWriter) TsigTimersOnly(bool)       {}
func (m *mockResponseWriter) Hijack()                   {}

func newWriter() *mockResponseWriter {
	return &mockResponseWriter{
		remoteAddr: &net.UDPAddr{IP: net.ParseIP("192.168.1.50"), Port: 12345},
	}
}

// stubForwarder answers from a fixed table and records every call
type stubForwarder struct {
	answers  map[string][]dns.RR
	statuses map[string]forwarder.Status
	delays   map[string]time.Duration
	delay    time.Duration

	mu          sync.Mutex
	calls       []dns.Question
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newStubForwarder() *stubForwarder {
	return &stubForwarder{
		answers:  make(map[string][]dns.RR),
		statuses: make(map[string]forwarder.Status),
		delays:   make(map[string]time.Duration),
	}
}

func (s *stubForwarder) Eligible(qtype uint16) bool {
	return qtype == dns.TypeA || qtype == dns.TypeAAAA || qtype == dns.TypeCNAME
}

func (s *stubForwarder) Forward(_ context.Context, q dns.Question) forwarder.Result {
	s.mu.Lock()
	s.calls = append(s.calls, q)
	s.mu.Unlock()

	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	delay := s.delay
	if d, ok := s.delays[q.Name]; ok {
		delay = d
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	res := forwarder.Result{Question: q, Upstream: "stub:53"}
	if status, ok := s.statuses[q.Name]; ok && status != forwarder.StatusAnswered {
		res.Status = status
		return res
	}
	res.Status = forwarder.StatusAnswered
	for _, rr := range s.answers[q.Name] {
		res.Answers = append(res.Answers, dns.Copy(rr))
	}
	return res
}

func (s *stubForwarder) Calls() []dns.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dns.Question(nil), s.calls...)
}

// captureRecorder keeps every answer event
type captureRecorder struct {
	mu     sync.Mutex
	events []AnswerEvent
}

func (c *captureRecorder) Record(ev AnswerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureRecorder) Events() []AnswerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AnswerEvent(nil), c.events...)
}

func aRecord(name, ip string) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP(ip).To4(),
	}
}

func newTestHandler(t *testing.T, entries []localrecords.Entry, fwd Forwarder) (*Handler, *captureRecorder) {
	t.Helper()
	store, err := localrecords.NewStore(entries)
	require.NoError(t, err)

	h := NewHandler(config.LoadWithDefaults(), store, fwd, logging.NewDiscard())
	rec := &captureRecorder{}
	h.SetAnswerRecorder(rec)
	return h, rec
}

func query(questions ...dns.Question) *dns.Msg {
	r := new(dns.Msg)
	r.Id = dns.Id()
	r.RecursionDesired = true
	r.Question = questions
	return r
}

func q(name string, qtype uint16) dns.Question {
	return dns.Question{Name: name, Qtype: qtype, Qclass: dns.ClassINET}
}

func serve(h *Handler, r *dns.Msg) *mockResponseWriter {
	w := newWriter()
	h.ServeDNS(context.Background(), w, r)
	return w
}

func TestServeDNS_EmptyQuestion(t *testing.T) {
	h, _ := newTestHandler(t, nil, newStubForwarder())

	w := serve(h, query())

	require.NotNil(t, w.msg)
	assert.Equal(t, 1, w.writes)
	assert.Equal(t, dns.RcodeFormatError, w.msg.Rcode)
}

func TestServeDNS_LocalRoundTrip(t *testing.T) {
	fwd := newStubForwarder()
	h, rec := newTestHandler(t, []localrecords.Entry{
		{Pattern: `^foo\.example\.com$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeA, Address: "1.2.3.4"}}},
	}, fwd)

	w := serve(h, query(q("foo.example.com.", dns.TypeA)))

	require.NotNil(t, w.msg)
	assert.Equal(t, 1, w.writes)
	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	assert.True(t, w.msg.Response)
	require.Len(t, w.msg.Answer, 1)

	a, ok := w.msg.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "foo.example.com.", a.Hdr.Name)
	assert.Equal(t, uint32(300), a.Hdr.Ttl)
	assert.Equal(t, "1.2.3.4", a.A.String())

	assert.Empty(t, fwd.Calls())

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, SourceLocal, events[0].Source)
	assert.Equal(t, "192.168.1.50", events[0].Client)
	assert.Equal(t, "1.2.3.4", events[0].Answer.Value)
	assert.Equal(t, "A", events[0].Answer.TypeLabel())
}

func TestServeDNS_LastMatchWins(t *testing.T) {
	fwd := newStubForwarder()
	h, _ := newTestHandler(t, []localrecords.Entry{
		{Pattern: `example\.com$`, Records: []localrecords.Record{
			{Type: localrecords.RecordTypeA, Address: "10.0.0.1"},
			{Type: localrecords.RecordTypeA, Address: "10.0.0.11"},
		}},
		{Pattern: `^www\.example\.com$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeA, Address: "10.0.0.2"}}},
	}, fwd)

	w := serve(h, query(q("www.example.com.", dns.TypeA)))
	require.Len(t, w.msg.Answer, 1)
	assert.Equal(t, "10.0.0.2", w.msg.Answer[0].(*dns.A).A.String())

	w = serve(h, query(q("api.example.com.", dns.TypeA)))
	require.Len(t, w.msg.Answer, 2)
	assert.Equal(t, "10.0.0.1", w.msg.Answer[0].(*dns.A).A.String())
	assert.Equal(t, "10.0.0.11", w.msg.Answer[1].(*dns.A).A.String())

	assert.Empty(t, fwd.Calls())
}

func TestServeDNS_CNAMEForwardsTarget(t *testing.T) {
	fwd := newStubForwarder()
	fwd.answers["baz.example.com."] = []dns.RR{aRecord("baz.example.com.", "5.6.7.8")}
	h, rec := newTestHandler(t, []localrecords.Entry{
		{Pattern: `^bar\.example\.com$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeCNAME, Address: "baz.example.com"}}},
	}, fwd)

	w := serve(h, query(q("bar.example.com.", dns.TypeA)))

	require.Len(t, w.msg.Answer, 2)
	cname, ok := w.msg.Answer[0].(*dns.CNAME)
	require.True(t, ok)
	assert.Equal(t, "bar.example.com.", cname.Hdr.Name)
	assert.Equal(t, "baz.example.com.", cname.Target)

	a, ok := w.msg.Answer[1].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "5.6.7.8", a.A.String())

	calls := fwd.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "baz.example.com.", calls[0].Name)
	assert.Equal(t, dns.TypeA, calls[0].Qtype)

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, SourceLocal, events[0].Source)
	assert.Equal(t, SourceProxy, events[1].Source)
	assert.Equal(t, "5.6.7.8", events[1].Answer.Value)
}

func TestServeDNS_CNAMEChainResolvedLocally(t *testing.T) {
	fwd := newStubForwarder()
	h, _ := newTestHandler(t, []localrecords.Entry{
		{Pattern: `^a\.test$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeCNAME, Address: "b.test"}}},
		{Pattern: `^b\.test$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeA, Address: "10.1.1.1"}}},
	}, fwd)

	w := serve(h, query(q("a.test.", dns.TypeA)))

	require.Len(t, w.msg.Answer, 2)
	assert.IsType(t, &dns.CNAME{}, w.msg.Answer[0])
	assert.Equal(t, "b.test.", w.msg.Answer[1].Header().Name)
	assert.Empty(t, fwd.Calls())
}

func TestServeDNS_CNAMELoopTerminates(t *testing.T) {
	fwd := newStubForwarder()
	h, _ := newTestHandler(t, []localrecords.Entry{
		{Pattern: `^loop1\.test$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeCNAME, Address: "loop2.test"}}},
		{Pattern: `^loop2\.test$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeCNAME, Address: "loop1.test"}}},
	}, fwd)

	done := make(chan *mockResponseWriter, 1)
	go func() { done <- serve(h, query(q("loop1.test.", dns.TypeA))) }()

	select {
	case w := <-done:
		assert.Equal(t, 1, w.writes)
		assert.Len(t, w.msg.Answer, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("CNAME loop did not terminate")
	}
	assert.Empty(t, fwd.Calls())
}

func TestServeDNS_MaxQuestions(t *testing.T) {
	fwd := newStubForwarder()
	h, _ := newTestHandler(t, []localrecords.Entry{
		{Pattern: `^a\.test$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeCNAME, Address: "b.test"}}},
		{Pattern: `^b\.test$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeCNAME, Address: "c.test"}}},
		{Pattern: `^c\.test$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeCNAME, Address: "d.test"}}},
		{Pattern: `^d\.test$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeCNAME, Address: "e.test"}}},
	}, fwd)
	h.MaxQuestions = 2

	w := serve(h, query(q("a.test.", dns.TypeA)))

	// a is the client's question; b and c are the two allowed expansions
	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	require.Len(t, w.msg.Answer, 3)
	assert.Equal(t, "d.test.", w.msg.Answer[2].(*dns.CNAME).Target)
	assert.Empty(t, fwd.Calls())
}

func TestServeDNS_OriginalQuestionsNotCapped(t *testing.T) {
	fwd := newStubForwarder()
	h, _ := newTestHandler(t, nil, fwd)
	h.MaxQuestions = 4

	questions := make([]dns.Question, 0, 40)
	for i := 0; i < 40; i++ {
		questions = append(questions, q(fmt.Sprintf("host%d.test.", i), dns.TypeA))
	}
	w := serve(h, query(questions...))

	assert.Equal(t, 1, w.writes)
	assert.Len(t, fwd.Calls(), 40)
	assert.Len(t, w.msg.Question, 40)
}

func TestServeDNS_ForwardTimeout(t *testing.T) {
	fwd := newStubForwarder()
	fwd.statuses["slow.example.org."] = forwarder.StatusTimeout
	h, rec := newTestHandler(t, nil, fwd)

	w := serve(h, query(q("slow.example.org.", dns.TypeA)))

	assert.Equal(t, 1, w.writes)
	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	assert.Empty(t, w.msg.Answer)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, SourceProxy, events[0].Source)
	assert.Equal(t, ValueTimeout, events[0].Answer.Value)
}

func TestServeDNS_ForwardFailure(t *testing.T) {
	fwd := newStubForwarder()
	fwd.statuses["broken.example.org."] = forwarder.StatusFailed
	h, rec := newTestHandler(t, nil, fwd)

	w := serve(h, query(q("broken.example.org.", dns.TypeA)))

	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	assert.Empty(t, w.msg.Answer)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ValueUnknown, events[0].Answer.Value)
}

func TestServeDNS_ConcurrentForwards(t *testing.T) {
	fwd := newStubForwarder()
	fwd.delay = 200 * time.Millisecond
	names := []string{"one.test.", "two.test.", "three.test.", "four.test.", "five.test."}
	questions := make([]dns.Question, 0, len(names))
	for i, name := range names {
		fwd.answers[name] = []dns.RR{aRecord(name, net.IPv4(10, 0, 0, byte(i+1)).String())}
		questions = append(questions, q(name, dns.TypeA))
	}
	h, _ := newTestHandler(t, nil, fwd)

	start := time.Now()
	w := serve(h, query(questions...))
	elapsed := time.Since(start)

	assert.Len(t, fwd.Calls(), len(names))
	assert.Equal(t, int32(len(names)), fwd.maxInFlight.Load())
	assert.Less(t, elapsed, 800*time.Millisecond)
	require.Len(t, w.msg.Answer, len(names))
	assert.Len(t, w.msg.Question, len(names))
}

func TestServeDNS_ConcurrencyLimit(t *testing.T) {
	fwd := newStubForwarder()
	fwd.delay = 20 * time.Millisecond
	questions := []dns.Question{q("a.test.", dns.TypeA), q("b.test.", dns.TypeA), q("c.test.", dns.TypeA), q("d.test.", dns.TypeA)}
	h, _ := newTestHandler(t, nil, fwd)
	h.MaxConcurrentForwards = 2

	serve(h, query(questions...))

	assert.Len(t, fwd.Calls(), 4)
	assert.LessOrEqual(t, fwd.maxInFlight.Load(), int32(2))
}

func TestServeDNS_ForwardAnswersInTaskOrder(t *testing.T) {
	fwd := newStubForwarder()
	fwd.answers["first.test."] = []dns.RR{aRecord("first.test.", "10.0.0.1")}
	fwd.answers["second.test."] = []dns.RR{aRecord("second.test.", "10.0.0.2")}
	fwd.delays["first.test."] = 100 * time.Millisecond
	h, _ := newTestHandler(t, nil, fwd)

	w := serve(h, query(q("first.test.", dns.TypeA), q("second.test.", dns.TypeA)))

	require.Len(t, w.msg.Answer, 2)
	assert.Equal(t, "first.test.", w.msg.Answer[0].Header().Name)
	assert.Equal(t, "second.test.", w.msg.Answer[1].Header().Name)
}

func TestServeDNS_LocalAndForwardedMixed(t *testing.T) {
	fwd := newStubForwarder()
	fwd.answers["remote.test."] = []dns.RR{aRecord("remote.test.", "10.9.9.9")}
	h, _ := newTestHandler(t, []localrecords.Entry{
		{Pattern: `^local\.test$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeA, Address: "10.0.0.1"}}},
	}, fwd)

	w := serve(h, query(q("remote.test.", dns.TypeA), q("local.test.", dns.TypeA)))

	// Local answers are accumulated while draining, forwarded ones after the join
	require.Len(t, w.msg.Answer, 2)
	assert.Equal(t, "local.test.", w.msg.Answer[0].Header().Name)
	assert.Equal(t, "remote.test.", w.msg.Answer[1].Header().Name)
	assert.Len(t, fwd.Calls(), 1)
}

func TestServeDNS_UnsupportedTypeNotForwarded(t *testing.T) {
	fwd := newStubForwarder()
	h, rec := newTestHandler(t, nil, fwd)

	w := serve(h, query(q("example.com.", dns.TypeMX)))

	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	assert.Empty(t, w.msg.Answer)
	assert.Empty(t, fwd.Calls())
	assert.Empty(t, rec.Events())
}

func TestServeDNS_NoForwarder(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)

	w := serve(h, query(q("example.com.", dns.TypeA)))

	assert.Equal(t, 1, w.writes)
	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	assert.Empty(t, w.msg.Answer)
}

func TestServeDNS_InvalidLocalRecordSkipped(t *testing.T) {
	h, _ := newTestHandler(t, []localrecords.Entry{
		{Pattern: `^mixed\.test$`, Records: []localrecords.Record{
			{Type: localrecords.RecordTypeA, Address: "not-an-ip"},
			{Type: localrecords.RecordTypeA, Address: "10.0.0.7"},
			{Type: "BOGUS", Address: "x"},
		}},
	}, newStubForwarder())

	w := serve(h, query(q("mixed.test.", dns.TypeA)))

	require.Len(t, w.msg.Answer, 1)
	assert.Equal(t, "10.0.0.7", w.msg.Answer[0].(*dns.A).A.String())
}

func TestServeDNS_RecordNameAndTTL(t *testing.T) {
	h, _ := newTestHandler(t, []localrecords.Entry{
		{Pattern: `\.dev$`, Records: []localrecords.Record{
			{Type: localrecords.RecordTypeA, Name: "gateway.dev", Address: "10.0.0.1", TTL: 42},
		}},
	}, newStubForwarder())

	w := serve(h, query(q("app.dev.", dns.TypeA)))

	require.Len(t, w.msg.Answer, 1)
	assert.Equal(t, "gateway.dev.", w.msg.Answer[0].Header().Name)
	assert.Equal(t, uint32(42), w.msg.Answer[0].Header().Ttl)
}

func TestServeDNS_RepeatedQuestionAnsweredEachTime(t *testing.T) {
	fwd := newStubForwarder()
	fwd.answers["dup.test."] = []dns.RR{aRecord("dup.test.", "10.0.0.3")}
	h, rec := newTestHandler(t, nil, fwd)

	w := serve(h, query(q("dup.test.", dns.TypeA), q("dup.test.", dns.TypeA)))

	assert.Len(t, fwd.Calls(), 2)
	assert.Len(t, w.msg.Answer, 2)
	assert.Len(t, rec.Events(), 2)
}

func TestServeDNS_CNAMEForNonAQuestion(t *testing.T) {
	fwd := newStubForwarder()
	fwd.answers["baz.example.com."] = []dns.RR{aRecord("baz.example.com.", "5.6.7.8")}
	h, _ := newTestHandler(t, []localrecords.Entry{
		{Pattern: `^bar\.example\.com$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeCNAME, Address: "baz.example.com"}}},
	}, fwd)

	w := serve(h, query(q("bar.example.com.", dns.TypeAAAA)))

	require.Len(t, w.msg.Answer, 2)
	cname, ok := w.msg.Answer[0].(*dns.CNAME)
	require.True(t, ok)
	assert.Equal(t, "baz.example.com.", cname.Target)
	assert.Equal(t, "5.6.7.8", w.msg.Answer[1].(*dns.A).A.String())

	calls := fwd.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "baz.example.com.", calls[0].Name)
	assert.Equal(t, dns.TypeA, calls[0].Qtype)
}

func TestServeDNS_OversizedTTLClamped(t *testing.T) {
	h, _ := newTestHandler(t, []localrecords.Entry{
		{Pattern: `^big\.test$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeA, Address: "1.2.3.4", TTL: 1 << 32}}},
	}, newStubForwarder())

	w := serve(h, query(q("big.test.", dns.TypeA)))

	require.Len(t, w.msg.Answer, 1)
	assert.Equal(t, localrecords.MaxTTL, w.msg.Answer[0].Header().Ttl)
}

func TestServeDNS_EDNS0Echo(t *testing.T) {
	h, _ := newTestHandler(t, nil, newStubForwarder())

	r := query(q("example.com.", dns.TypeA))
	r.SetEdns0(1232, true)
	w := serve(h, r)

	opt := w.msg.IsEdns0()
	require.NotNil(t, opt)
	assert.Equal(t, uint16(1232), opt.UDPSize())
	assert.True(t, opt.Do())
}

func TestServeDNS_Idempotent(t *testing.T) {
	fwd := newStubForwarder()
	fwd.answers["baz.example.com."] = []dns.RR{aRecord("baz.example.com.", "5.6.7.8")}
	fwd.answers["other.test."] = []dns.RR{aRecord("other.test.", "10.0.0.9")}
	h, _ := newTestHandler(t, []localrecords.Entry{
		{Pattern: `^bar\.example\.com$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeCNAME, Address: "baz.example.com"}}},
		{Pattern: `^foo\.example\.com$`, Records: []localrecords.Record{{Type: localrecords.RecordTypeA, Address: "1.2.3.4"}}},
	}, fwd)

	render := func() []string {
		w := serve(h, query(q("bar.example.com.", dns.TypeA), q("other.test.", dns.TypeA), q("foo.example.com.", dns.TypeA)))
		out := make([]string, 0, len(w.msg.Answer))
		for _, rr := range w.msg.Answer {
			out = append(out, rr.String())
		}
		return out
	}

	first := render()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, render())
	}
	assert.Len(t, first, 4)
}

func TestRequestStateTransitions(t *testing.T) {
	h, _ := newTestHandler(t, nil, newStubForwarder())
	req := newPendingRequest("127.0.0.1", 1)
	assert.Equal(t, stateDraining, req.state)

	req.seed(q("x.test.", dns.TypeA))
	req.seed(q("x.test.", dns.TypeA))
	assert.False(t, req.enqueue(q("X.TEST", dns.TypeA)), "already seen")
	assert.True(t, req.enqueue(q("x.test.", dns.TypeAAAA)))
	assert.False(t, req.enqueue(q("y.test.", dns.TypeA)), "expansion limit reached")

	h.resolve(context.Background(), req)
	assert.Equal(t, stateDone, req.state)
	assert.Equal(t, "done", req.state.String())
	assert.Empty(t, req.queue)
	assert.Len(t, req.tasks, 3)
}

func TestDNSTypeLabel(t *testing.T) {
	assert.Equal(t, "A", dnsTypeLabel(dns.TypeA))
	assert.Equal(t, "TYPE65000", dnsTypeLabel(65000))
}

func TestNewHandler_NilLoggerUsesGlobal(t *testing.T) {
	h := NewHandler(config.LoadWithDefaults(), nil, nil, nil)
	assert.Same(t, logging.Global(), h.Logger)
	assert.Equal(t, 0, h.Records.Len())

	srv := NewServer(config.LoadWithDefaults(), h, nil, nil)
	assert.Same(t, logging.Global(), srv.logger)
}

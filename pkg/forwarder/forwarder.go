// Package forwarder sends single questions to upstream DNS servers and
// reports what came back.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dev-dns/pkg/config"
	"dev-dns/pkg/logging"

	"github.com/miekg/dns"
)

// Status is the outcome of forwarding one question
type Status int

const (
	// StatusAnswered means an upstream replied with NOERROR (possibly without answers)
	StatusAnswered Status = iota
	// StatusTimeout means no reply arrived before the timeout
	StatusTimeout
	// StatusFailed means the question could not be answered for any other reason
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAnswered:
		return "answered"
	case StatusTimeout:
		return "timeout"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what a single forwarded question produced
type Result struct {
	Err      error
	Upstream string
	Answers  []dns.RR
	Question dns.Question
	RTT      time.Duration
	Rcode    int
	Status   Status
}

// Forwarder handles forwarding questions to upstream servers
type Forwarder struct {
	upstreams   []string
	index       atomic.Uint32
	timeout     time.Duration
	retries     int
	defaultTTL  uint32
	preserveTTL bool
	allowed     map[uint16]struct{}
	health      *UpstreamHealth
	logger      *logging.Logger

	// Connection pool
	clientPool sync.Pool
}

// NewForwarder creates a forwarder for the given host:port upstreams
func NewForwarder(cfg *config.Config, upstreams []string, logger *logging.Logger) (*Forwarder, error) {
	if len(upstreams) == 0 {
		return nil, ErrNoUpstreams
	}

	qtypes, err := cfg.Upstream.QueryTypes()
	if err != nil {
		return nil, err
	}
	allowed := make(map[uint16]struct{}, len(qtypes))
	for _, t := range qtypes {
		allowed[t] = struct{}{}
	}

	f := &Forwarder{
		upstreams:   append([]string(nil), upstreams...),
		timeout:     cfg.Upstream.Timeout,
		retries:     cfg.Upstream.Retries,
		defaultTTL:  cfg.Records.DefaultTTL,
		preserveTTL: cfg.Upstream.PreserveTTL,
		allowed:     allowed,
		logger:      logger,
	}
	if f.timeout <= 0 {
		f.timeout = time.Second
	}
	if f.defaultTTL == 0 {
		f.defaultTTL = 300
	}
	if cfg.Upstream.CircuitBreaker.Enabled {
		f.health = NewUpstreamHealth(f.upstreams, cfg.Upstream.CircuitBreaker)
	}

	f.clientPool.New = func() any {
		return &dns.Client{
			Net:     "udp",
			Timeout: f.timeout,
		}
	}

	logger.Info("Forwarder initialized",
		"upstreams", f.upstreams,
		"timeout", f.timeout,
		"retries", f.retries,
		"circuit_breaker", f.health != nil,
	)

	return f, nil
}

// Eligible reports whether questions of qtype are forwarded
func (f *Forwarder) Eligible(qtype uint16) bool {
	_, ok := f.allowed[qtype]
	return ok
}

// Forward asks the upstreams one question. All attempts share a single
// timeout; a later upstream is only tried when an earlier one failed fast.
// Forward never returns an error value: failures are reported in the Result.
func (f *Forwarder) Forward(ctx context.Context, q dns.Question) Result {
	res := Result{Question: q, Status: StatusFailed}

	if !f.Eligible(q.Qtype) {
		res.Err = fmt.Errorf("%w: %s", ErrNotForwardable, dns.TypeToString[q.Qtype])
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(q.Name), q.Qtype)

	client := f.clientPool.Get().(*dns.Client)
	defer f.clientPool.Put(client)

	candidates := f.candidates()
	attempts := min(f.retries+1, len(candidates))
	var lastErr error
	timedOut := false

	for i := 0; i < attempts; i++ {
		upstream := candidates[i]
		res.Upstream = upstream

		f.logger.Debug("Forwarding DNS question",
			"domain", req.Question[0].Name,
			"type", dns.TypeToString[q.Qtype],
			"upstream", upstream,
			"attempt", i+1,
		)

		resp, rtt, err := client.ExchangeContext(ctx, req, upstream)
		res.RTT = rtt
		if err != nil {
			f.recordResult(upstream, err)
			f.logger.Warn("Upstream query failed",
				"upstream", upstream,
				"error", err,
				"attempt", i+1,
			)
			lastErr = err
			timedOut = isTimeout(err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if resp == nil {
			lastErr = fmt.Errorf("received nil response from %s", upstream)
			timedOut = false
			continue
		}

		if resp.Rcode == dns.RcodeServerFailure || resp.Rcode == dns.RcodeRefused {
			lastErr = fmt.Errorf("upstream %s returned %s", upstream, dns.RcodeToString[resp.Rcode])
			timedOut = false
			f.recordResult(upstream, lastErr)
			continue
		}

		f.recordResult(upstream, nil)
		res.Rcode = resp.Rcode

		if resp.Rcode != dns.RcodeSuccess {
			res.Err = fmt.Errorf("%w: %s", ErrNegativeAnswer, dns.RcodeToString[resp.Rcode])
			return res
		}

		res.Answers = f.normalize(resp.Answer)
		res.Status = StatusAnswered

		f.logger.Debug("Upstream query succeeded",
			"upstream", upstream,
			"domain", req.Question[0].Name,
			"rtt", rtt,
			"answers", len(res.Answers),
		)
		return res
	}

	if timedOut || ctx.Err() != nil {
		res.Status = StatusTimeout
		res.Err = fmt.Errorf("%w after %s", ErrTimeout, f.timeout)
		return res
	}
	if lastErr != nil {
		res.Err = fmt.Errorf("%w: %w", ErrUpstreamFailure, lastErr)
		return res
	}
	res.Err = ErrUpstreamFailure
	return res
}

// candidates returns the upstreams in round-robin order, skipping those
// with an open circuit as long as at least one healthy upstream remains.
func (f *Forwarder) candidates() []string {
	n := len(f.upstreams)
	start := int(f.index.Add(1)-1) % n

	ordered := make([]string, 0, n)
	ordered = append(ordered, f.upstreams[start:]...)
	ordered = append(ordered, f.upstreams[:start]...)

	if f.health == nil {
		return ordered
	}
	if healthy := f.health.Healthy(ordered); len(healthy) > 0 {
		return healthy
	}
	return ordered
}

func (f *Forwarder) recordResult(upstream string, err error) {
	if f.health != nil {
		f.health.RecordResult(upstream, err)
	}
}

// normalize drops duplicate and pseudo records and, unless upstream TTLs
// are preserved, rewrites every TTL to the configured default.
func (f *Forwarder) normalize(rrs []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		if rr == nil || rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		if isDuplicate(out, rr) {
			continue
		}
		cp := dns.Copy(rr)
		if !f.preserveTTL {
			cp.Header().Ttl = f.defaultTTL
		}
		out = append(out, cp)
	}
	return out
}

func isDuplicate(rrs []dns.RR, rr dns.RR) bool {
	for _, seen := range rrs {
		if dns.IsDuplicate(seen, rr) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Upstreams returns the configured upstream servers
func (f *Forwarder) Upstreams() []string {
	return append([]string(nil), f.upstreams...)
}

// Timeout returns the per-question timeout
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

// Health returns the upstream health tracker, or nil when circuit breaking is disabled
func (f *Forwarder) Health() *UpstreamHealth {
	return f.health
}

package forwarder

import (
	"sync"

	"dev-dns/pkg/config"
)

// UpstreamHealth tracks the health of every upstream with a circuit breaker
type UpstreamHealth struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewUpstreamHealth creates a health tracker for upstreams
func NewUpstreamHealth(upstreams []string, cfg config.CircuitBreakerConfig) *UpstreamHealth {
	uh := &UpstreamHealth{breakers: make(map[string]*CircuitBreaker, len(upstreams))}
	for _, upstream := range upstreams {
		uh.breakers[upstream] = NewCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.Cooldown)
	}
	return uh
}

// IsHealthy reports whether queries may be sent to upstream.
// Unknown upstreams are assumed healthy.
func (uh *UpstreamHealth) IsHealthy(upstream string) bool {
	breaker := uh.breaker(upstream)
	if breaker == nil {
		return true
	}
	return breaker.Allow()
}

// RecordResult records the outcome of a query to upstream
func (uh *UpstreamHealth) RecordResult(upstream string, err error) {
	breaker := uh.breaker(upstream)
	if breaker == nil {
		return
	}
	if err != nil {
		breaker.Failure()
	} else {
		breaker.Success()
	}
}

// Healthy filters upstreams down to the healthy ones, keeping their order
func (uh *UpstreamHealth) Healthy(upstreams []string) []string {
	healthy := make([]string, 0, len(upstreams))
	for _, upstream := range upstreams {
		if uh.IsHealthy(upstream) {
			healthy = append(healthy, upstream)
		}
	}
	return healthy
}

// States returns the circuit state of every tracked upstream
func (uh *UpstreamHealth) States() map[string]CircuitState {
	uh.mu.RLock()
	defer uh.mu.RUnlock()

	states := make(map[string]CircuitState, len(uh.breakers))
	for upstream, breaker := range uh.breakers {
		states[upstream] = breaker.State()
	}
	return states
}

func (uh *UpstreamHealth) breaker(upstream string) *CircuitBreaker {
	uh.mu.RLock()
	defer uh.mu.RUnlock()
	return uh.breakers[upstream]
}

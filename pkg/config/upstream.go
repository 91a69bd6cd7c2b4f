package config

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// UpstreamConfig describes where unmatched questions are forwarded
type UpstreamConfig struct {
	// Fixed upstream resolvers ("8.8.8.8" or "8.8.8.8:53")
	Servers []string `yaml:"servers"`

	// Use the host's configured resolvers instead of Servers.
	// Addresses that belong to this host are removed to avoid forwarding loops.
	UseSystem  bool   `yaml:"use_system"`
	ResolvConf string `yaml:"resolv_conf"`

	Timeout time.Duration `yaml:"timeout"`
	// Additional upstreams tried within the same timeout after a failure
	Retries int `yaml:"retries"`

	// Question types eligible for forwarding
	AllowedTypes []string `yaml:"allowed_types"`

	// Keep upstream TTLs instead of normalizing them to records.default_ttl
	PreserveTTL bool `yaml:"preserve_ttl"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
// When enabled, upstreams that keep failing are skipped while healthy ones remain.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"` // failures before opening (default: 5)
	SuccessThreshold int           `yaml:"success_threshold"` // successes to close from half-open (default: 2)
	Cooldown         time.Duration `yaml:"cooldown"`          // time before half-open (default: 30s)
}

func (u *UpstreamConfig) applyDefaults() {
	if len(u.Servers) == 0 && !u.UseSystem {
		u.Servers = []string{"8.8.8.8:53"}
	}
	if u.ResolvConf == "" {
		u.ResolvConf = "/etc/resolv.conf"
	}
	if u.Timeout == 0 {
		u.Timeout = 1000 * time.Millisecond
	}
	if len(u.AllowedTypes) == 0 {
		u.AllowedTypes = []string{"A", "AAAA", "CNAME"}
	}
	if u.CircuitBreaker.FailureThreshold == 0 {
		u.CircuitBreaker.FailureThreshold = 5
	}
	if u.CircuitBreaker.SuccessThreshold == 0 {
		u.CircuitBreaker.SuccessThreshold = 2
	}
	if u.CircuitBreaker.Cooldown == 0 {
		u.CircuitBreaker.Cooldown = 30 * time.Second
	}
}

// Validate validates the upstream configuration
func (u *UpstreamConfig) Validate() error {
	if !u.UseSystem && len(u.Servers) == 0 {
		return ErrNoUpstreams
	}

	for _, server := range u.Servers {
		if strings.TrimSpace(server) == "" {
			return ErrInvalidUpstream
		}
		host := server
		if h, _, err := net.SplitHostPort(server); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return &ConfigError{Field: "upstream.servers", Message: "not an IP address: " + server}
		}
	}

	if u.Timeout < 0 {
		return ErrInvalidTimeout
	}
	if u.Retries < 0 {
		return &ConfigError{Field: "upstream.retries", Message: "must not be negative"}
	}

	if u.CircuitBreaker.FailureThreshold < 0 || u.CircuitBreaker.SuccessThreshold < 0 || u.CircuitBreaker.Cooldown < 0 {
		return &ConfigError{Field: "upstream.circuit_breaker", Message: "thresholds and cooldown must not be negative"}
	}

	if _, err := u.QueryTypes(); err != nil {
		return err
	}

	return nil
}

// QueryTypes resolves AllowedTypes to DNS type codes
func (u *UpstreamConfig) QueryTypes() ([]uint16, error) {
	types := make([]uint16, 0, len(u.AllowedTypes))
	for _, name := range u.AllowedTypes {
		qtype, ok := dns.StringToType[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return nil, &ConfigError{Field: "upstream.allowed_types", Message: "unknown record type: " + name}
		}
		types = append(types, qtype)
	}
	return types, nil
}

// Errors for validation
var (
	ErrNoUpstreams     = &ConfigError{Field: "upstream.servers", Message: "at least one upstream is required unless use_system is set"}
	ErrInvalidUpstream = &ConfigError{Field: "upstream.servers", Message: "upstream cannot be empty"}
	ErrInvalidTimeout  = &ConfigError{Field: "upstream.timeout", Message: "timeout must not be negative"}
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config validation error: " + e.Field + ": " + e.Message
}

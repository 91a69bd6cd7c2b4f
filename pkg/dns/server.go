package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"dev-dns/pkg/config"
	"dev-dns/pkg/logging"
	"dev-dns/pkg/resolver"
	"dev-dns/pkg/telemetry"

	"github.com/miekg/dns"
)

// ErrServerRunning is returned by Start when the server is already serving
var ErrServerRunning = errors.New("server already running")

// Server is the UDP DNS server
type Server struct {
	cfg       *config.Config
	handler   *Handler
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	udpServer *dns.Server
	ready     chan struct{}
	running   bool
	mu        sync.RWMutex
}

// NewServer creates a new DNS server. A nil logger means the global one.
func NewServer(cfg *config.Config, handler *Handler, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	if logger == nil {
		logger = logging.Global()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: metrics,
		ready:   make(chan struct{}),
	}
}

// Start serves DNS over UDP until ctx is canceled or the socket fails
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.running = true
	// A restart needs a fresh channel; the first Start closes the one from NewServer
	select {
	case <-s.ready:
		s.ready = make(chan struct{})
	default:
	}
	ready := s.ready

	wrapped := &wrappedHandler{
		handler: s.handler,
		logger:  s.logger,
		metrics: s.metrics,
	}

	s.udpServer = &dns.Server{
		Addr:    s.cfg.Server.ListenAddress,
		Net:     "udp",
		Handler: dns.HandlerFunc(wrapped.serveDNS),
		NotifyStartedFunc: func() {
			s.logger.Info("DNS server started", "address", s.cfg.Server.ListenAddress)
			close(ready)
		},
	}
	udpSrv := s.udpServer
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Starting UDP DNS server", "address", s.cfg.Server.ListenAddress)
		if err := udpSrv.ListenAndServe(); err != nil {
			errChan <- fmt.Errorf("UDP server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
}

// Ready is closed once the socket is bound. Callers may wait on it before
// Start is called.
func (s *Server) Ready() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// LocalAddr returns the bound socket address, or nil before Ready
func (s *Server) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.ready:
	default:
		return nil
	}
	if s.udpServer == nil || s.udpServer.PacketConn == nil {
		return nil
	}
	return s.udpServer.PacketConn.LocalAddr()
}

// Shutdown gracefully shuts down the DNS server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			return fmt.Errorf("UDP shutdown: %w", err)
		}
	}

	s.logger.Info("DNS server shut down successfully")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ListenAddresses expands a listen address bound to all interfaces into one
// address per local interface address. Specific addresses are returned as is.
func ListenAddresses(ctx context.Context, listen string, src resolver.AddrSource) ([]string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", listen, err)
	}

	ip := net.ParseIP(host)
	if host != "" && (ip == nil || !ip.IsUnspecified()) {
		return []string{listen}, nil
	}

	ips, err := src(ctx)
	if err != nil {
		return nil, err
	}

	wantV4 := ip == nil || ip.To4() != nil
	addrs := make([]string, 0, len(ips))
	for _, a := range ips {
		// 0.0.0.0 only covers IPv4; "" and :: cover both families
		if host != "" && wantV4 && a.To4() == nil {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(a.String(), port))
	}
	if len(addrs) == 0 {
		return []string{listen}, nil
	}
	return addrs, nil
}

// wrappedHandler wraps the DNS handler with logging and metrics
type wrappedHandler struct {
	handler *Handler
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// serveDNS sits between miekg/dns and Handler and records per-request
// metrics and debug logs.
func (w *wrappedHandler) serveDNS(rw dns.ResponseWriter, r *dns.Msg) {
	startTime := time.Now()
	ctx := context.Background()

	if w.metrics != nil {
		w.metrics.ActiveRequests.Add(ctx, 1)
		defer w.metrics.ActiveRequests.Add(ctx, -1)
		w.metrics.DNSQueriesTotal.Add(ctx, 1)
	}

	clientIP := getClientIP(rw)
	w.logger.Debug("DNS query received",
		"id", r.Id,
		"questions", len(r.Question),
		"client", clientIP,
	)

	w.handler.ServeDNS(ctx, rw, r)

	duration := time.Since(startTime)
	if w.metrics != nil {
		w.metrics.DNSQueryDuration.Record(ctx, float64(duration.Microseconds())/1000)
	}

	w.logger.Debug("DNS query processed",
		"id", r.Id,
		"client", clientIP,
		"duration_ms", duration.Milliseconds(),
	)
}

// getClientIP extracts the client IP address from the DNS ResponseWriter.
// Returns "unknown" if RemoteAddr() is nil.
func getClientIP(w dns.ResponseWriter) string {
	if w.RemoteAddr() != nil {
		host, _, err := net.SplitHostPort(w.RemoteAddr().String())
		if err == nil {
			return host
		}
		return w.RemoteAddr().String()
	}
	return "unknown"
}

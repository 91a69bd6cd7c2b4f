// Package resolver decides which upstream resolvers unmatched questions are
// forwarded to, and knows which addresses belong to this host so the server
// never forwards to itself.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"dev-dns/pkg/config"
	"dev-dns/pkg/logging"

	"github.com/miekg/dns"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// ErrNoUpstreams is returned when no usable upstream remains after filtering
var ErrNoUpstreams = errors.New("no usable upstream DNS servers")

// AddrSource enumerates the IP addresses assigned to this host
type AddrSource func(ctx context.Context) ([]net.IP, error)

// Resolver selects upstream DNS servers from configuration.
type Resolver struct {
	cfg        *config.UpstreamConfig
	logger     *logging.Logger
	localAddrs AddrSource
}

// New creates a resolver selector backed by the host's network interfaces.
func New(cfg *config.UpstreamConfig, logger *logging.Logger) *Resolver {
	return NewWithAddrSource(cfg, logger, LocalAddresses)
}

// NewWithAddrSource is like New but with a custom local address source.
func NewWithAddrSource(cfg *config.UpstreamConfig, logger *logging.Logger, src AddrSource) *Resolver {
	return &Resolver{
		cfg:        cfg,
		logger:     logger,
		localAddrs: src,
	}
}

// Upstreams returns the servers to forward to, each as host:port.
//
// With use_system set, the nameservers listed in the resolver configuration
// file are used, minus any address that belongs to this host. Otherwise the
// fixed server list is returned.
func (r *Resolver) Upstreams(ctx context.Context) ([]string, error) {
	if !r.cfg.UseSystem {
		if len(r.cfg.Servers) == 0 {
			return nil, ErrNoUpstreams
		}
		return NormalizeAll(r.cfg.Servers), nil
	}

	system, err := SystemUpstreams(r.cfg.ResolvConf)
	if err != nil {
		return nil, err
	}

	local, err := r.localAddrs(ctx)
	if err != nil {
		// Without the interface list we cannot rule out a loop; keep going
		// with loopback filtering only.
		r.logger.Warn("Failed to enumerate local addresses", "error", err)
	}

	upstreams, removed := ExcludeLocal(system, local)
	for _, addr := range removed {
		r.logger.Info("Skipping system resolver that points at this host", "upstream", addr)
	}

	if len(upstreams) == 0 {
		return nil, fmt.Errorf("%w: all system resolvers in %s are local", ErrNoUpstreams, r.cfg.ResolvConf)
	}

	r.logger.Debug("System resolvers selected", "upstreams", upstreams, "source", r.cfg.ResolvConf)
	return upstreams, nil
}

// SystemUpstreams parses a resolv.conf style file into host:port addresses.
func SystemUpstreams(path string) ([]string, error) {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read system resolvers from %s: %w", path, err)
	}

	port := cc.Port
	if port == "" {
		port = "53"
	}

	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, port))
	}
	return servers, nil
}

// ExcludeLocal drops upstreams whose address is a loopback address or one
// of local. It returns the kept and the removed upstreams.
func ExcludeLocal(upstreams []string, local []net.IP) (kept, removed []string) {
	for _, upstream := range upstreams {
		host := upstream
		if h, _, err := net.SplitHostPort(upstream); err == nil {
			host = h
		}
		ip := net.ParseIP(host)
		if ip != nil && isLocal(ip, local) {
			removed = append(removed, upstream)
			continue
		}
		kept = append(kept, upstream)
	}
	return kept, removed
}

func isLocal(ip net.IP, local []net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	for _, l := range local {
		if l.Equal(ip) {
			return true
		}
	}
	return false
}

// Normalize adds the default DNS port when upstream has none
func Normalize(upstream string) string {
	upstream = strings.TrimSpace(upstream)
	if _, _, err := net.SplitHostPort(upstream); err != nil {
		return net.JoinHostPort(upstream, "53")
	}
	return upstream
}

// NormalizeAll applies Normalize to every upstream
func NormalizeAll(upstreams []string) []string {
	out := make([]string, len(upstreams))
	for i, u := range upstreams {
		out[i] = Normalize(u)
	}
	return out
}

// LocalAddresses lists every IP address assigned to a network interface of this host.
func LocalAddresses(ctx context.Context) ([]net.IP, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list network interfaces: %w", err)
	}

	var ips []net.IP
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if ip := parseInterfaceAddr(addr.Addr); ip != nil {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}

// parseInterfaceAddr accepts both CIDR ("192.168.1.2/24") and bare addresses
func parseInterfaceAddr(s string) net.IP {
	if ip, _, err := net.ParseCIDR(s); err == nil {
		return ip
	}
	// IPv6 link-local addresses may carry a zone
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	return net.ParseIP(s)
}

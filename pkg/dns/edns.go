package dns

import (
	"github.com/miekg/dns"
)

// EDNS0 buffer sizes advertised in responses
const (
	// DefaultEDNSBufferSize is used when the client advertises no size
	DefaultEDNSBufferSize = 4096

	// MaxEDNSBufferSize caps the advertised size to avoid fragmentation
	MaxEDNSBufferSize = 4096

	// MinEDNSBufferSize is the smallest size a client can negotiate (RFC 6891)
	MinEDNSBufferSize = 512
)

// HandleEDNS0 echoes an OPT record into resp when req carried one.
// The DO bit is preserved and the buffer size negotiated; a response that
// already has an OPT record is left alone.
func HandleEDNS0(req, resp *dns.Msg) {
	if req == nil || resp == nil {
		return
	}
	reqOpt := req.IsEdns0()
	if reqOpt == nil || resp.IsEdns0() != nil {
		return
	}

	// Class holds the UDP payload size for OPT records; SetUDPSize sets it
	opt := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
	}
	opt.SetUDPSize(negotiateBufferSize(reqOpt.UDPSize()))
	if reqOpt.Do() {
		opt.SetDo()
	}

	resp.Extra = append(resp.Extra, opt)
}

// negotiateBufferSize clamps the requested size to [MinEDNSBufferSize, MaxEDNSBufferSize]
func negotiateBufferSize(requested uint16) uint16 {
	switch {
	case requested == 0:
		return DefaultEDNSBufferSize
	case requested < MinEDNSBufferSize:
		return MinEDNSBufferSize
	case requested > MaxEDNSBufferSize:
		return MaxEDNSBufferSize
	default:
		return requested
	}
}

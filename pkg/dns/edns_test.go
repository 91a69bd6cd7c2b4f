package dns

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEDNS0_RequestWithoutEDNS(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	resp := new(dns.Msg)
	resp.SetReply(req)

	HandleEDNS0(req, resp)

	assert.Nil(t, resp.IsEdns0())
	assert.Empty(t, resp.Extra)
}

func TestHandleEDNS0_RequestWithEDNS(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(1232, false)
	resp := new(dns.Msg)
	resp.SetReply(req)

	HandleEDNS0(req, resp)

	opt := resp.IsEdns0()
	require.NotNil(t, opt)
	assert.Equal(t, uint16(1232), opt.UDPSize())
	assert.False(t, opt.Do())
}

func TestHandleEDNS0_PreservesDOBit(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(4096, true)
	resp := new(dns.Msg)

	HandleEDNS0(req, resp)

	opt := resp.IsEdns0()
	require.NotNil(t, opt)
	assert.True(t, opt.Do())
}

func TestHandleEDNS0_KeepsExistingOPT(t *testing.T) {
	req := new(dns.Msg)
	req.SetEdns0(4096, false)
	resp := new(dns.Msg)
	resp.SetEdns0(1400, false)

	HandleEDNS0(req, resp)

	require.Len(t, resp.Extra, 1)
	assert.Equal(t, uint16(1400), resp.IsEdns0().UDPSize())
}

func TestHandleEDNS0_NilMessages(t *testing.T) {
	assert.NotPanics(t, func() {
		HandleEDNS0(nil, new(dns.Msg))
		HandleEDNS0(new(dns.Msg), nil)
	})
}

func TestNegotiateBufferSize(t *testing.T) {
	tests := []struct {
		name      string
		requested uint16
		want      uint16
	}{
		{name: "zero uses default", requested: 0, want: DefaultEDNSBufferSize},
		{name: "too small", requested: 100, want: MinEDNSBufferSize},
		{name: "too large", requested: 65000, want: MaxEDNSBufferSize},
		{name: "within range", requested: 1232, want: 1232},
		{name: "minimum", requested: 512, want: 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, negotiateBufferSize(tt.requested))
		})
	}
}

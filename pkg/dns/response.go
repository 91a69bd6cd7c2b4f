package dns

import (
	"fmt"
	"strings"

	"dev-dns/pkg/localrecords"

	"github.com/miekg/dns"
)

// encodeFunc builds the type-specific resource record for a local record.
// hdr already carries the owner name, type, class and TTL.
type encodeFunc func(hdr dns.RR_Header, rec localrecords.Record) (dns.RR, error)

// encoders maps each supported local record type to its encoder
var encoders = map[uint16]encodeFunc{
	dns.TypeA:     encodeA,
	dns.TypeAAAA:  encodeAAAA,
	dns.TypeCNAME: encodeCNAME,
	dns.TypeMX:    encodeMX,
	dns.TypeTXT:   encodeTXT,
	dns.TypeNS:    encodeNS,
	dns.TypePTR:   encodePTR,
	dns.TypeSRV:   encodeSRV,
}

// encodeRecord converts a local record matched for q into a resource record
func encodeRecord(q dns.Question, rec localrecords.Record, defaultTTL uint32) (dns.RR, error) {
	rrtype := rec.Type.Code()
	encode, ok := encoders[rrtype]
	if !ok {
		return nil, fmt.Errorf("%w: %q", localrecords.ErrUnsupportedType, rec.Type)
	}

	hdr := dns.RR_Header{
		Name:   rec.OwnerName(q.Name),
		Rrtype: rrtype,
		Class:  dns.ClassINET,
		Ttl:    rec.TTLOr(defaultTTL),
	}
	return encode(hdr, rec)
}

func encodeA(hdr dns.RR_Header, rec localrecords.Record) (dns.RR, error) {
	ip, err := rec.IP()
	if err != nil {
		return nil, err
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("%w: %s is not an IPv4 address", localrecords.ErrInvalidIP, ip)
	}
	return &dns.A{Hdr: hdr, A: v4}, nil
}

func encodeAAAA(hdr dns.RR_Header, rec localrecords.Record) (dns.RR, error) {
	ip, err := rec.IP()
	if err != nil {
		return nil, err
	}
	if ip.To4() != nil {
		return nil, fmt.Errorf("%w: %s is not an IPv6 address", localrecords.ErrInvalidIP, ip)
	}
	return &dns.AAAA{Hdr: hdr, AAAA: ip.To16()}, nil
}

func encodeCNAME(hdr dns.RR_Header, rec localrecords.Record) (dns.RR, error) {
	target, err := rec.Target()
	if err != nil {
		return nil, err
	}
	return &dns.CNAME{Hdr: hdr, Target: target}, nil
}

func encodeMX(hdr dns.RR_Header, rec localrecords.Record) (dns.RR, error) {
	target, err := rec.Target()
	if err != nil {
		return nil, err
	}
	return &dns.MX{Hdr: hdr, Preference: rec.Priority, Mx: target}, nil
}

func encodeTXT(hdr dns.RR_Header, rec localrecords.Record) (dns.RR, error) {
	txt, err := rec.Texts()
	if err != nil {
		return nil, err
	}
	return &dns.TXT{Hdr: hdr, Txt: txt}, nil
}

func encodeNS(hdr dns.RR_Header, rec localrecords.Record) (dns.RR, error) {
	target, err := rec.Target()
	if err != nil {
		return nil, err
	}
	return &dns.NS{Hdr: hdr, Ns: target}, nil
}

func encodePTR(hdr dns.RR_Header, rec localrecords.Record) (dns.RR, error) {
	target, err := rec.Target()
	if err != nil {
		return nil, err
	}
	return &dns.PTR{Hdr: hdr, Ptr: target}, nil
}

func encodeSRV(hdr dns.RR_Header, rec localrecords.Record) (dns.RR, error) {
	target, err := rec.Target()
	if err != nil {
		return nil, err
	}
	return &dns.SRV{
		Hdr:      hdr,
		Priority: rec.Priority,
		Weight:   rec.Weight,
		Port:     rec.Port,
		Target:   target,
	}, nil
}

// Answer is the loggable form of a resource record
type Answer struct {
	Name  string
	Value string
	TTL   uint32
	Type  uint16
}

// AnswerFromRR extracts name, type, TTL and the presentation-format data of rr
func AnswerFromRR(rr dns.RR) Answer {
	hdr := rr.Header()
	return Answer{
		Name:  hdr.Name,
		Type:  hdr.Rrtype,
		TTL:   hdr.Ttl,
		Value: strings.TrimPrefix(rr.String(), hdr.String()),
	}
}

// TypeLabel returns the record type mnemonic
func (a Answer) TypeLabel() string {
	return dnsTypeLabel(a.Type)
}

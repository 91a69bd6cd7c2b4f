package localrecords

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// DefaultTTL is applied to records that omit a ttl
const DefaultTTL uint32 = 300

// MaxTTL is the largest TTL a record can carry (RFC 2181 section 8)
const MaxTTL uint32 = 1<<31 - 1

// RecordType represents the type of DNS record
type RecordType string

const (
	RecordTypeA     RecordType = "A"
	RecordTypeAAAA  RecordType = "AAAA"
	RecordTypeCNAME RecordType = "CNAME"
	RecordTypeMX    RecordType = "MX"
	RecordTypeTXT   RecordType = "TXT"
	RecordTypeSRV   RecordType = "SRV"
	RecordTypePTR   RecordType = "PTR"
	RecordTypeNS    RecordType = "NS"
)

// UnmarshalJSON accepts record types in any letter case
func (t *RecordType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = RecordType(strings.ToUpper(strings.TrimSpace(s)))
	return nil
}

// Code returns the DNS type code, or dns.TypeNone when the type is unknown
func (t RecordType) Code() uint16 {
	return dns.StringToType[string(t)]
}

// Record is one fixed record returned for a matching entry.
//
// Name defaults to the query name and TTL to DefaultTTL. For CNAME, MX, NS,
// PTR and SRV records Address holds the target host name; for TXT records
// Data holds the strings (Address is used when Data is empty).
type Record struct {
	Type     RecordType `json:"type"`
	Name     string     `json:"name,omitempty"`
	Address  string     `json:"address,omitempty"`
	TTL      int        `json:"ttl,omitempty"`
	Priority uint16     `json:"priority,omitempty"`
	Weight   uint16     `json:"weight,omitempty"`
	Port     uint16     `json:"port,omitempty"`
	Data     []string   `json:"data,omitempty"`
}

// OwnerName returns the name the answer is published under
func (r Record) OwnerName(queryName string) string {
	if r.Name != "" {
		return dns.Fqdn(r.Name)
	}
	return queryName
}

// TTLOr returns the configured TTL, or def when the record has none
func (r Record) TTLOr(def uint32) uint32 {
	if r.TTL > 0 {
		if uint64(r.TTL) > uint64(MaxTTL) {
			return MaxTTL
		}
		return uint32(r.TTL)
	}
	if def == 0 {
		return DefaultTTL
	}
	return def
}

// Target returns the fully qualified alias/host target of the record
func (r Record) Target() (string, error) {
	target := strings.TrimSpace(r.Address)
	if target == "" {
		return "", ErrEmptyTarget
	}
	return dns.Fqdn(target), nil
}

// IP parses Address as an IP address
func (r Record) IP() (net.IP, error) {
	ip := net.ParseIP(strings.TrimSpace(r.Address))
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, r.Address)
	}
	return ip, nil
}

// Texts returns the TXT strings of the record
func (r Record) Texts() ([]string, error) {
	txt := r.Data
	if len(txt) == 0 && r.Address != "" {
		txt = []string{r.Address}
	}
	if len(txt) == 0 {
		return nil, ErrNoTxtData
	}
	for _, s := range txt {
		if len(s) > 255 {
			return nil, ErrTxtTooLong
		}
	}
	return txt, nil
}

// String returns a human-readable representation of the record
func (r Record) String() string {
	name := r.Name
	if name == "" {
		name = "<query>"
	}
	switch r.Type {
	case RecordTypeTXT:
		return fmt.Sprintf("%s %d IN TXT %q", name, r.TTL, r.Data)
	default:
		return fmt.Sprintf("%s %d IN %s %s", name, r.TTL, r.Type, r.Address)
	}
}

// clone returns a deep copy so callers never alias store memory
func (r Record) clone() Record {
	if len(r.Data) > 0 {
		r.Data = append([]string(nil), r.Data...)
	}
	return r
}

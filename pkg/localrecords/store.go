package localrecords

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"dev-dns/pkg/pattern"
)

// Entry maps a domain-name pattern to a fixed record set
type Entry struct {
	Pattern string   `json:"regexp"`
	Records []Record `json:"records"`
}

// Store is an immutable, ordered snapshot of override entries.
// It is safe for concurrent use; nothing mutates it after construction.
type Store struct {
	entries  []Entry
	patterns *pattern.List
}

// Empty returns a store without entries. Every lookup misses.
func Empty() *Store {
	return &Store{patterns: pattern.NewListFromPatterns(nil)}
}

// NewStore compiles entries in order. Entries whose pattern does not compile
// are left out and reported in the returned error; the store is always usable.
func NewStore(entries []Entry) (*Store, error) {
	s := &Store{entries: make([]Entry, 0, len(entries))}
	compiled := make([]*pattern.Pattern, 0, len(entries))

	var errs []error
	for i, e := range entries {
		p, err := pattern.ParsePattern(e.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: entry %d: %w", ErrInvalidPattern, i, err))
			continue
		}
		recs := make([]Record, len(e.Records))
		for j, r := range e.Records {
			recs[j] = r.clone()
		}
		s.entries = append(s.entries, Entry{Pattern: e.Pattern, Records: recs})
		compiled = append(compiled, p)
	}
	s.patterns = pattern.NewListFromPatterns(compiled)

	return s, errors.Join(errs...)
}

// Parse decodes a JSON list of entries. Malformed input yields an empty store.
func Parse(data []byte) (*Store, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return Empty(), fmt.Errorf("failed to parse records JSON: %w", err)
	}
	return NewStore(entries)
}

// Load reads the override table from path. A missing or unreadable file
// yields an empty store together with the error, so the server can keep
// running as a pure forwarder.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Empty(), fmt.Errorf("failed to read records file: %w", err)
	}
	return Parse(data)
}

// Entries returns a copy of the loaded entries in table order
func (s *Store) Entries() []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, len(s.entries))
	for i := range s.entries {
		out[i] = s.entry(i)
	}
	return out
}

// Len returns the number of usable entries
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

func (s *Store) entry(i int) Entry {
	e := s.entries[i]
	recs := make([]Record, len(e.Records))
	for j, r := range e.Records {
		recs[j] = r.clone()
	}
	return Entry{Pattern: e.Pattern, Records: recs}
}

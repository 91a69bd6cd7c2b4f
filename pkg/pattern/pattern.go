// Package pattern provides domain pattern matching for dev-dns.
//
// Patterns are regular expressions evaluated case-insensitively against the
// query name with its trailing root dot removed. Like the Pi-hole style
// regex lists, a pattern matches anywhere in the name unless it is anchored:
//   - Anchored: ^foo\.example\.com$
//   - Suffix:   (\.|^)example\.com$
//   - Substring: tracker
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern represents a compiled domain matching pattern.
type Pattern struct {
	Raw      string         // Original pattern string
	Compiled *regexp.Regexp // Case-insensitive compiled form
}

// ParsePattern compiles a pattern string. An empty pattern matches every name.
func ParsePattern(pattern string) (*Pattern, error) {
	compiled, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}

	return &Pattern{
		Raw:      pattern,
		Compiled: compiled,
	}, nil
}

// Match checks if a domain matches this pattern.
func (p *Pattern) Match(domain string) bool {
	if p == nil || p.Compiled == nil {
		return false
	}
	return p.Compiled.MatchString(Canonical(domain))
}

// String returns a string representation of the pattern.
func (p *Pattern) String() string {
	return fmt.Sprintf("regex(%s)", p.Raw)
}

// Canonical strips the trailing root dot so patterns can be written
// against the familiar presentation form (foo.example.com).
func Canonical(domain string) string {
	if len(domain) > 1 {
		return strings.TrimSuffix(domain, ".")
	}
	return domain
}

// List is an ordered, immutable sequence of patterns.
type List struct {
	patterns []*Pattern
}

// NewList compiles patterns in order. The first invalid pattern aborts.
func NewList(patterns []string) (*List, error) {
	l := &List{patterns: make([]*Pattern, 0, len(patterns))}
	for _, raw := range patterns {
		p, err := ParsePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse pattern %q: %w", raw, err)
		}
		l.patterns = append(l.patterns, p)
	}
	return l, nil
}

// NewListFromPatterns wraps already compiled patterns, preserving order.
func NewListFromPatterns(patterns []*Pattern) *List {
	cp := make([]*Pattern, len(patterns))
	copy(cp, patterns)
	return &List{patterns: cp}
}

// LastMatch returns the index of the last pattern in list order that
// matches domain, or -1. Later patterns take precedence over earlier ones.
func (l *List) LastMatch(domain string) int {
	if l == nil {
		return -1
	}
	name := Canonical(domain)
	for i := len(l.patterns) - 1; i >= 0; i-- {
		if l.patterns[i].Compiled.MatchString(name) {
			return i
		}
	}
	return -1
}

// Matches returns the indexes of every matching pattern in list order.
func (l *List) Matches(domain string) []int {
	if l == nil {
		return nil
	}
	name := Canonical(domain)
	var idx []int
	for i, p := range l.patterns {
		if p.Compiled.MatchString(name) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Len returns the number of patterns.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.patterns)
}

package localrecords

// Match returns the records of the last entry whose pattern matches name,
// or nil when nothing matches. The result is a copy.
func (s *Store) Match(name string) []Record {
	e, _, ok := s.MatchEntry(name)
	if !ok {
		return nil
	}
	return e.Records
}

// MatchEntry is like Match but also reports which entry won.
func (s *Store) MatchEntry(name string) (Entry, int, bool) {
	if s == nil {
		return Entry{}, -1, false
	}
	idx := s.patterns.LastMatch(name)
	if idx < 0 {
		return Entry{}, -1, false
	}
	return s.entry(idx), idx, true
}

// Candidates returns the indexes of every entry matching name, in table order.
func (s *Store) Candidates(name string) []int {
	if s == nil {
		return nil
	}
	return s.patterns.Matches(name)
}

package persistence

import "strings"

// Matcher decides whether a candidate event name refers to the same
// real-world event as an existing one on the same date.
type Matcher interface {
	IsDuplicate(existing, candidate string) bool
}

// SubstringMatcher treats two names as the same event when either
// normalized name contains the other. "Jazz Festival" and
// "Jazz Festival Afterparty" collapse into one event.
type SubstringMatcher struct{}

// IsDuplicate implements Matcher.
func (SubstringMatcher) IsDuplicate(existing, candidate string) bool {
	e, c := Normalize(existing), Normalize(candidate)
	return strings.Contains(e, c) || strings.Contains(c, e)
}

// MatcherFunc adapts a plain function to a Matcher.
type MatcherFunc func(existing, candidate string) bool

// IsDuplicate implements Matcher.
func (f MatcherFunc) IsDuplicate(existing, candidate string) bool {
	return f(existing, candidate)
}

// Normalize lowercases s, trims it, strips one trailing period and trims
// again. Used for comparison only, never persisted.
func Normalize(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSuffix(s, ".")
	return strings.TrimSpace(s)
}

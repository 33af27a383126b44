package analyzer

import "strings"

// TermHits counts case-insensitive occurrences of the term across the given
// fields. An empty term always yields zero.
func TermHits(term string, fields ...string) int {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return 0
	}

	count := 0
	for _, f := range fields {
		if f == "" {
			continue
		}
		count += strings.Count(strings.ToLower(f), term)
	}
	return count
}

// MatchesAny reports whether the term occurs in at least one of the fields.
func MatchesAny(term string, fields ...string) bool {
	return TermHits(term, fields...) > 0
}

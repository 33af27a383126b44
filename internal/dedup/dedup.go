package dedup

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// Entry records where an identity was first seen.
type Entry struct {
	Keyword string
	At      time.Time
}

// Set tracks result identities observed during one run so repeats can be
// suppressed. It is scoped to the process and never persisted: a fresh run
// may re-emit records a prior run already saw. Safe for concurrent use.
type Set struct {
	mu   sync.Mutex
	seen map[string]Entry
}

// NewSet creates an empty identity set.
func NewSet() *Set {
	return &Set{
		seen: make(map[string]Entry),
	}
}

// Accept records the identity and returns true exactly once per unique
// identity; every subsequent call with the same identity returns false.
func (s *Set) Accept(identity, keyword string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[identity]; dup {
		return false
	}
	s.seen[identity] = Entry{
		Keyword: keyword,
		At:      time.Now().UTC(),
	}
	return true
}

// FirstSeen returns the first-seen entry for an identity, if recorded.
func (s *Set) FirstSeen(identity string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.seen[identity]
	return e, ok
}

// Len reports how many unique identities have been accepted.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Identity derives the deduplication key for a result from its URL. The
// derivation is deterministic: scheme and host are lowercased, the fragment
// is dropped, and a trailing slash on the path is trimmed, so cosmetic URL
// variants map to the same key. Unparseable URLs fall back to the raw string.
func Identity(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String()
}

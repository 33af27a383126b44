package storage

import (
	"context"
	"time"
)

// Record is one structured result extracted from a search results page.
type Record struct {
	ID        string    `json:"id"`
	Keyword   string    `json:"keyword"`
	Page      int       `json:"page"`
	Rank      int       `json:"rank"` // 1-based position within the page
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Snippet   string    `json:"snippet"`
	TermHits  int       `json:"term_hits"` // occurrences of the keyword in title+snippet
	FetchedAt time.Time `json:"fetched_at"`
}

// Filter allows querying for specific Records.
type Filter struct {
	Keyword string
	URL     string
	Since   *time.Time
	Limit   int
	Offset  int
}

// Backend defines the interface for persisting and querying result records.
// Save must be append-only: repeated calls across a run never rewrite prior
// entries.
type Backend interface {
	Save(ctx context.Context, rec *Record) error
	Query(ctx context.Context, filter Filter) ([]*Record, error)
	Close() error
}

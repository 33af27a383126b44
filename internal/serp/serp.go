package serp

import "errors"

// Result is one organic entry extracted from a search results page.
type Result struct {
	Rank    int    `json:"rank"` // 1-based position within the page
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Page is a fully parsed results page. Skipped counts entries that were
// present but too malformed to extract; malformed entries never fail the
// page as a whole.
type Page struct {
	Results      []Result
	Skipped      int
	HasNext      bool  // continuation signal: a further page exists
	TotalResults int64 // approximate result count reported by the engine, 0 when absent
}

// ErrParse indicates the body was not interpretable as a results page at all,
// e.g. empty or not HTML. Individual malformed entries do not produce it.
var ErrParse = errors.New("unparseable results page")

// Source describes a search engine: how to build the results URL for a
// keyword at a given page offset, and how to parse the returned body.
// Implementations may scrape HTML or wrap official APIs.
type Source interface {
	SearchURL(query string, page int) string
	Parse(body []byte) (*Page, error)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/FranksOps/harvest/internal/keywords"
	"github.com/FranksOps/harvest/internal/scraper"
	"github.com/FranksOps/harvest/internal/serp"
	"github.com/FranksOps/harvest/internal/storage"
)

// fakeEngine maps "keyword|page" bodies produced by fakeFetcher to canned
// parsed pages, so coordinator logic is exercised without real HTML.
type fakeEngine struct {
	pages map[string]*serp.Page
}

func (e *fakeEngine) SearchURL(query string, page int) string {
	return fmt.Sprintf("http://search.test/?q=%s&page=%d", query, page)
}

func (e *fakeEngine) Parse(body []byte) (*serp.Page, error) {
	p, ok := e.pages[string(body)]
	if !ok {
		return nil, serp.ErrParse
	}
	return p, nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	// fail maps "keyword|page" to a canned non-success response
	fail map[string]*scraper.Response
}

func (f *fakeFetcher) Fetch(ctx context.Context, req scraper.Request) *scraper.Response {
	key := fmt.Sprintf("%s|%d", req.Keyword, req.Page)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()

	if res, ok := f.fail[key]; ok {
		return res
	}
	return &scraper.Response{
		Outcome:    scraper.OutcomeSuccess,
		StatusCode: http.StatusOK,
		Body:       []byte(key),
		Attempts:   1,
	}
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memBackend collects saved records, optionally failing the first failN
// calls per record to exercise sink retry behavior.
type memBackend struct {
	mu       sync.Mutex
	records  []*storage.Record
	failN    int
	attempts map[string]int
}

func newMemBackend(failN int) *memBackend {
	return &memBackend{failN: failN, attempts: make(map[string]int)}
}

func (b *memBackend) Save(ctx context.Context, rec *storage.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[rec.ID]++
	if b.attempts[rec.ID] <= b.failN {
		return errors.New("disk full")
	}
	b.records = append(b.records, rec)
	return nil
}

func (b *memBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*storage.Record, len(b.records))
	copy(out, b.records)
	return out, nil
}

func (b *memBackend) Close() error { return nil }

func result(rank int, u string) serp.Result {
	return serp.Result{Rank: rank, Title: "title", URL: u, Snippet: "snippet"}
}

func TestCoordinator_Run(t *testing.T) {
	engine := &fakeEngine{pages: map[string]*serp.Page{
		"cats|0": {
			Results:      []serp.Result{result(1, "http://example.com/a"), result(2, "http://example.com/b")},
			Skipped:      1,
			HasNext:      true,
			TotalResults: 1200,
		},
		"cats|1": {
			Results: []serp.Result{result(1, "http://example.com/c")},
		},
		"dogs|0": {
			// /a repeats across keywords and must dedup to one record.
			Results: []serp.Result{result(1, "http://example.com/a"), result(2, "http://example.com/d")},
		},
	}}
	fetcher := &fakeFetcher{}
	backend := newMemBackend(0)

	src := keywords.NewStaticSource([]string{"cats", "dogs"})
	c := NewCoordinator(Config{Workers: 1}, src, engine, fetcher, backend, nil)

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if summary.KeywordsDone != 2 || summary.KeywordsFailed != 0 {
		t.Errorf("expected 2 done / 0 failed, got %d / %d", summary.KeywordsDone, summary.KeywordsFailed)
	}
	if summary.PagesFetched != 3 {
		t.Errorf("expected 3 pages fetched, got %d", summary.PagesFetched)
	}
	if summary.RecordsAccepted != 4 {
		t.Errorf("expected 4 accepted records, got %d", summary.RecordsAccepted)
	}
	if summary.RecordsDuplicate != 1 {
		t.Errorf("expected 1 duplicate, got %d", summary.RecordsDuplicate)
	}
	if summary.RecordsSkipped != 1 {
		t.Errorf("expected 1 skipped entry, got %d", summary.RecordsSkipped)
	}
	if summary.ApproxTotals["cats"] != 1200 {
		t.Errorf("expected approx total 1200 for cats, got %d", summary.ApproxTotals["cats"])
	}

	// Accepted records equal what the backend durably holds.
	if len(backend.records) != summary.RecordsAccepted {
		t.Errorf("backend holds %d records, summary says %d", len(backend.records), summary.RecordsAccepted)
	}

	// Within one keyword, records land in page order then rank order.
	var catURLs []string
	for _, r := range backend.records {
		if r.Keyword == "cats" {
			catURLs = append(catURLs, r.URL)
		}
	}
	want := []string{"http://example.com/a", "http://example.com/b", "http://example.com/c"}
	if len(catURLs) != len(want) {
		t.Fatalf("expected %d cats records, got %v", len(want), catURLs)
	}
	for i := range want {
		if catURLs[i] != want[i] {
			t.Errorf("cats record %d: expected %s, got %s", i, want[i], catURLs[i])
		}
	}

	for _, r := range backend.records {
		if r.ID == "" {
			t.Errorf("record %s has no ID", r.URL)
		}
	}
}

func TestCoordinator_FailureIsolation(t *testing.T) {
	engine := &fakeEngine{pages: map[string]*serp.Page{
		"dogs|0": {Results: []serp.Result{result(1, "http://example.com/d")}},
	}}
	fetcher := &fakeFetcher{fail: map[string]*scraper.Response{
		"cats|0": {
			Outcome:  scraper.OutcomePermanent,
			Attempts: 3,
			Err:      errors.New("giving up after 3 attempts: status 503"),
		},
	}}
	backend := newMemBackend(0)

	src := keywords.NewStaticSource([]string{"cats", "dogs"})
	c := NewCoordinator(Config{Workers: 1}, src, engine, fetcher, backend, nil)

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("keyword failure must not fail the run: %v", err)
	}

	if summary.KeywordsDone != 1 || summary.KeywordsFailed != 1 {
		t.Errorf("expected 1 done / 1 failed, got %d / %d", summary.KeywordsDone, summary.KeywordsFailed)
	}
	if _, ok := summary.Failures["cats"]; !ok {
		t.Errorf("expected a failure reason for cats, got %v", summary.Failures)
	}
	if len(backend.records) != 1 {
		t.Errorf("expected dogs record persisted despite cats failing, got %d records", len(backend.records))
	}
}

func TestCoordinator_ParseErrorFailsKeyword(t *testing.T) {
	// Engine has no entry for cats|0, so Parse returns ErrParse.
	engine := &fakeEngine{pages: map[string]*serp.Page{}}
	fetcher := &fakeFetcher{}
	backend := newMemBackend(0)

	src := keywords.NewStaticSource([]string{"cats"})
	c := NewCoordinator(Config{}, src, engine, fetcher, backend, nil)

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if summary.KeywordsFailed != 1 {
		t.Errorf("expected parse error to fail the keyword, got %+v", summary)
	}
}

func TestCoordinator_MaxPagesCeiling(t *testing.T) {
	engine := &fakeEngine{pages: map[string]*serp.Page{}}
	// Every page claims a next page exists.
	for page := 0; page < 20; page++ {
		engine.pages[fmt.Sprintf("cats|%d", page)] = &serp.Page{
			Results: []serp.Result{result(1, fmt.Sprintf("http://example.com/p%d", page))},
			HasNext: true,
		}
	}
	fetcher := &fakeFetcher{}
	backend := newMemBackend(0)

	src := keywords.NewStaticSource([]string{"cats"})
	c := NewCoordinator(Config{MaxPages: 3}, src, engine, fetcher, backend, nil)

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if fetcher.fetchCount() != 3 {
		t.Errorf("expected exactly 3 fetches under the page ceiling, got %d", fetcher.fetchCount())
	}
	if summary.KeywordsDone != 1 {
		t.Errorf("expected keyword done at the ceiling, got %+v", summary)
	}
}

func TestCoordinator_SinkFailureDropsRecord(t *testing.T) {
	engine := &fakeEngine{pages: map[string]*serp.Page{
		"cats|0": {Results: []serp.Result{result(1, "http://example.com/a"), result(2, "http://example.com/b")}},
	}}
	fetcher := &fakeFetcher{}
	// Every save fails: records are dropped after bounded retries.
	backend := newMemBackend(100)

	src := keywords.NewStaticSource([]string{"cats"})
	c := NewCoordinator(Config{SinkRetries: 2}, src, engine, fetcher, backend, nil)

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("sink failure must not fail the run: %v", err)
	}

	if summary.RecordsDropped != 2 {
		t.Errorf("expected 2 dropped records, got %d", summary.RecordsDropped)
	}
	if summary.RecordsAccepted != 0 {
		t.Errorf("expected 0 accepted records, got %d", summary.RecordsAccepted)
	}
	if summary.KeywordsDone != 1 {
		t.Errorf("a dropped record must not fail the keyword, got %+v", summary)
	}
}

func TestCoordinator_SinkRetrySucceeds(t *testing.T) {
	engine := &fakeEngine{pages: map[string]*serp.Page{
		"cats|0": {Results: []serp.Result{result(1, "http://example.com/a")}},
	}}
	fetcher := &fakeFetcher{}
	// First save of each record fails, second succeeds.
	backend := newMemBackend(1)

	src := keywords.NewStaticSource([]string{"cats"})
	c := NewCoordinator(Config{SinkRetries: 3}, src, engine, fetcher, backend, nil)

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if summary.RecordsAccepted != 1 || summary.RecordsDropped != 0 {
		t.Errorf("expected retry to recover the write, got %+v", summary)
	}
	if len(backend.records) != 1 {
		t.Errorf("expected 1 persisted record, got %d", len(backend.records))
	}
}

func TestCoordinator_DryRun(t *testing.T) {
	engine := &fakeEngine{pages: map[string]*serp.Page{}}
	fetcher := &fakeFetcher{}
	backend := newMemBackend(0)

	src := keywords.NewStaticSource([]string{"cats", "dogs"})
	c := NewCoordinator(Config{DryRun: true}, src, engine, fetcher, backend, nil)

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if fetcher.fetchCount() != 0 {
		t.Errorf("dry run issued %d fetches, expected 0", fetcher.fetchCount())
	}
	if len(backend.records) != 0 {
		t.Errorf("dry run persisted %d records, expected 0", len(backend.records))
	}
	if summary.KeywordsDone != 2 {
		t.Errorf("expected both keywords done in dry run, got %+v", summary)
	}
}

func TestCoordinator_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	engine := &fakeEngine{pages: map[string]*serp.Page{}}
	fetcher := &fakeFetcher{fail: map[string]*scraper.Response{}}
	// The first fetch cancels the run and reports the interruption.
	canceling := &cancelingFetcher{inner: fetcher, cancel: cancel}
	backend := newMemBackend(0)

	src := keywords.NewStaticSource([]string{"a", "b", "c", "d"})
	c := NewCoordinator(Config{Workers: 1}, src, engine, canceling, backend, nil)

	summary, err := c.Run(ctx)
	if err == nil {
		t.Fatalf("expected cancellation to surface from Run")
	}
	if summary.KeywordsDone != 0 {
		t.Errorf("expected no keyword to complete after cancellation, got %+v", summary)
	}
}

type cancelingFetcher struct {
	inner  *fakeFetcher
	cancel context.CancelFunc
}

func (f *cancelingFetcher) Fetch(ctx context.Context, req scraper.Request) *scraper.Response {
	f.cancel()
	return &scraper.Response{
		Outcome: scraper.OutcomeTransient,
		Err:     ctx.Err(),
	}
}

//go:build integration

package test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/harvest/internal/fingerprint"
	"github.com/FranksOps/harvest/internal/keywords"
	"github.com/FranksOps/harvest/internal/pipeline"
	"github.com/FranksOps/harvest/internal/scraper"
	"github.com/FranksOps/harvest/internal/serp"
	"github.com/FranksOps/harvest/internal/storage"
	"github.com/FranksOps/harvest/internal/storage/jsonbackend"
)

// resultsPage renders a minimal results page in the shape the parser expects.
func resultsPage(keyword string, page int, entries []string, hasNext bool, total string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="search">`)
	if total != "" {
		fmt.Fprintf(&b, `<div id="result-stats">About %s results (0.41 seconds)</div>`, total)
	}
	for i, u := range entries {
		fmt.Fprintf(&b, `<div class="g"><a href="%s"><h3>%s result %d.%d</h3></a><div class="VwiC3b">Snippet about %s.</div></div>`,
			u, keyword, page, i, keyword)
	}
	// An entry with no link or title must be skipped, not fatal.
	b.WriteString(`<div class="g"><span>sponsored junk</span></div>`)
	if hasNext {
		b.WriteString(`<a id="pnnext" href="/search?start=10">Next</a>`)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func TestIntegration_KeywordRun(t *testing.T) {
	var dogsHits int32

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		start := r.URL.Query().Get("start")

		w.Header().Set("Content-Type", "text/html")
		switch {
		case q == "cats" && start == "":
			fmt.Fprint(w, resultsPage("cats", 0, []string{
				"http://example.com/shared",
				"http://example.com/cats-1",
			}, true, "1,230,000"))
		case q == "cats" && start == "10":
			fmt.Fprint(w, resultsPage("cats", 1, []string{
				"http://example.com/cats-2",
			}, false, ""))
		case q == "dogs" && start == "":
			// First attempt fails transiently; the retry must succeed.
			if atomic.AddInt32(&dogsHits, 1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, resultsPage("dogs", 0, []string{
				"http://example.com/shared",
				"http://example.com/dogs-1",
			}, false, "450"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	outPath := filepath.Join(t.TempDir(), "results.jsonl")
	backend, err := jsonbackend.New(outPath, false)
	if err != nil {
		t.Fatalf("failed to open backend: %v", err)
	}
	defer backend.Close()

	fetcher, err := scraper.NewFetcher(scraper.Config{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		Fingerprint: fingerprint.ProfileGo,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to create fetcher: %v", err)
	}

	engine := &serp.Google{BaseURL: ts.URL + "/search"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := keywords.NewStaticSource([]string{"cats", "dogs", "cats"})

	coord := pipeline.NewCoordinator(pipeline.Config{Workers: 2, MaxPages: 5},
		src, engine, fetcher, backend, logger)

	summary, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// The duplicate "cats" input is dropped by the keyword source.
	if summary.KeywordsDone != 2 || summary.KeywordsFailed != 0 {
		t.Errorf("expected 2 done / 0 failed keywords, got %d / %d", summary.KeywordsDone, summary.KeywordsFailed)
	}
	if summary.PagesFetched != 3 {
		t.Errorf("expected 3 pages fetched, got %d", summary.PagesFetched)
	}
	// The shared URL appears under both keywords but is accepted once.
	if summary.RecordsAccepted != 4 {
		t.Errorf("expected 4 accepted records, got %d", summary.RecordsAccepted)
	}
	if summary.RecordsDuplicate != 1 {
		t.Errorf("expected 1 duplicate record, got %d", summary.RecordsDuplicate)
	}
	// One malformed entry per served page.
	if summary.RecordsSkipped != 3 {
		t.Errorf("expected 3 skipped entries, got %d", summary.RecordsSkipped)
	}
	if summary.ApproxTotals["cats"] != 1230000 {
		t.Errorf("expected approx total 1230000 for cats, got %d", summary.ApproxTotals["cats"])
	}

	// Re-reading the sink reconstructs exactly the accepted records.
	stored, err := backend.Query(context.Background(), storage.Filter{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(stored) != summary.RecordsAccepted {
		t.Errorf("sink holds %d records, summary accepted %d", len(stored), summary.RecordsAccepted)
	}
	for _, rec := range stored {
		if rec.ID == "" || rec.Keyword == "" || rec.URL == "" || rec.Title == "" {
			t.Errorf("incomplete record reconstructed: %+v", rec)
		}
	}
}

func TestIntegration_FailedKeywordDoesNotAbortRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Query().Get("q") == "blocked" {
			// Permanent failure for one keyword.
			w.WriteHeader(http.StatusGone)
			return
		}
		fmt.Fprint(w, resultsPage("ok", 0, []string{"http://example.com/ok-1"}, false, ""))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	outPath := filepath.Join(t.TempDir(), "results.jsonl")
	backend, err := jsonbackend.New(outPath, false)
	if err != nil {
		t.Fatalf("failed to open backend: %v", err)
	}
	defer backend.Close()

	fetcher, err := scraper.NewFetcher(scraper.Config{
		Timeout:     5 * time.Second,
		Fingerprint: fingerprint.ProfileGo,
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("failed to create fetcher: %v", err)
	}

	engine := &serp.Google{BaseURL: ts.URL + "/search"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := keywords.NewStaticSource([]string{"blocked", "ok"})

	coord := pipeline.NewCoordinator(pipeline.Config{Workers: 1}, src, engine, fetcher, backend, logger)

	summary, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.KeywordsFailed != 1 || summary.KeywordsDone != 1 {
		t.Errorf("expected 1 failed / 1 done, got %d / %d", summary.KeywordsFailed, summary.KeywordsDone)
	}
	if _, ok := summary.Failures["blocked"]; !ok {
		t.Errorf("expected failure reason for blocked keyword, got %v", summary.Failures)
	}
	if summary.RecordsAccepted != 1 {
		t.Errorf("expected the healthy keyword's record, got %d accepted", summary.RecordsAccepted)
	}
}

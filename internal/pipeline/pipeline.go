package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/harvest/internal/analyzer"
	"github.com/FranksOps/harvest/internal/dedup"
	"github.com/FranksOps/harvest/internal/keywords"
	"github.com/FranksOps/harvest/internal/metrics"
	"github.com/FranksOps/harvest/internal/report"
	"github.com/FranksOps/harvest/internal/scraper"
	"github.com/FranksOps/harvest/internal/serp"
	"github.com/FranksOps/harvest/internal/storage"
)

// State is the processing phase of one keyword.
type State int

const (
	StatePending State = iota
	StateFetching
	StateParsing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateParsing:
		return "parsing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Fetcher issues one results-page request. Satisfied by *scraper.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, req scraper.Request) *scraper.Response
}

// Config provides parameters for the coordinator.
type Config struct {
	// Workers bounds how many keywords are processed concurrently. Default 2.
	Workers int
	// MaxPages caps pagination per keyword regardless of the continuation
	// signal. Default 10.
	MaxPages int
	// SinkRetries bounds how many times one record write is attempted before
	// the record is dropped. Default 3.
	SinkRetries int
	// DryRun logs the URLs that would be fetched without issuing requests or
	// writing records.
	DryRun bool
}

// Coordinator drives keywords through fetch, parse, dedup and persistence.
// Keywords run concurrently; pages within one keyword are strictly
// sequential because the continuation signal comes from the prior page.
type Coordinator struct {
	cfg     Config
	source  *keywords.Source
	engine  serp.Source
	fetcher Fetcher
	backend storage.Backend
	seen    *dedup.Set
	logger  *slog.Logger

	mu      sync.Mutex
	summary report.Summary
}

// NewCoordinator creates a Coordinator over the given components.
func NewCoordinator(cfg Config, source *keywords.Source, engine serp.Source, fetcher Fetcher, backend storage.Backend, logger *slog.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.SinkRetries <= 0 {
		cfg.SinkRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		cfg:     cfg,
		source:  source,
		engine:  engine,
		fetcher: fetcher,
		backend: backend,
		seen:    dedup.NewSet(),
		logger:  logger,
	}
}

// Run processes every keyword from the source and returns the run summary.
// Keyword-level failures never abort the run; the returned error is non-nil
// only when the context is cancelled or the keyword source itself breaks
// mid-stream. The summary is valid in either case.
func (c *Coordinator) Run(ctx context.Context) (report.Summary, error) {
	c.mu.Lock()
	c.summary = report.NewSummary()
	c.summary.StartTime = time.Now()
	c.mu.Unlock()

	queue := make(chan string)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for {
			kw, err := c.source.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read keyword source: %w", err)
			}
			select {
			case queue <- kw:
			case <-gCtx.Done():
				return gCtx.Err()
			}
		}
	})

	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for kw := range queue {
				if gCtx.Err() != nil {
					c.markFailed(kw, gCtx.Err().Error())
					continue
				}
				c.processKeyword(gCtx, kw)
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	c.mu.Lock()
	c.summary.EndTime = time.Now()
	c.summary.Duration = c.summary.EndTime.Sub(c.summary.StartTime)
	summary := c.summary
	c.mu.Unlock()

	return summary, err
}

// processKeyword walks one keyword through its pages until the source
// signals no further page, the page ceiling is reached, or a page fails.
func (c *Coordinator) processKeyword(ctx context.Context, kw string) {
	c.logger.Debug("keyword state", "keyword", kw, "state", StatePending)

	for page := 0; page < c.cfg.MaxPages; page++ {
		pageURL := c.engine.SearchURL(kw, page)
		c.logger.Debug("keyword state", "keyword", kw, "state", StateFetching, "page", page, "url", pageURL)

		if c.cfg.DryRun {
			c.logger.Info("dry run, skipping fetch", "keyword", kw, "url", pageURL)
			break
		}

		res := c.fetcher.Fetch(ctx, scraper.Request{Keyword: kw, Page: page, URL: pageURL})
		if res.Outcome != scraper.OutcomeSuccess {
			c.markFailed(kw, fmt.Sprintf("page %d: %v", page, res.Err))
			return
		}

		c.addPage()

		c.logger.Debug("keyword state", "keyword", kw, "state", StateParsing, "page", page)
		parsed, err := c.engine.Parse(res.Body)
		if err != nil {
			c.markFailed(kw, fmt.Sprintf("page %d: %v", page, err))
			return
		}

		if page == 0 && parsed.TotalResults > 0 {
			c.setApproxTotal(kw, parsed.TotalResults)
		}

		c.persistPage(ctx, kw, page, parsed)

		if !parsed.HasNext {
			break
		}
		if ctx.Err() != nil {
			c.markFailed(kw, ctx.Err().Error())
			return
		}
	}

	c.logger.Debug("keyword state", "keyword", kw, "state", StateDone)
	c.markDone()
}

// persistPage deduplicates and writes one parsed page's records in parse
// order. Write failures drop the individual record, never the page.
func (c *Coordinator) persistPage(ctx context.Context, kw string, page int, parsed *serp.Page) {
	if parsed.Skipped > 0 {
		c.addSkipped(parsed.Skipped)
		c.logger.Debug("skipped malformed entries", "keyword", kw, "page", page, "count", parsed.Skipped)
	}

	for _, r := range parsed.Results {
		identity := dedup.Identity(r.URL)
		if !c.seen.Accept(identity, kw) {
			c.addDuplicate()
			c.logger.Debug("duplicate result", "keyword", kw, "url", r.URL)
			continue
		}

		rec := &storage.Record{
			ID:        uuid.NewString(),
			Keyword:   kw,
			Page:      page,
			Rank:      r.Rank,
			Title:     r.Title,
			URL:       r.URL,
			Snippet:   r.Snippet,
			TermHits:  analyzer.TermHits(kw, r.Title, r.Snippet),
			FetchedAt: time.Now().UTC(),
		}

		if err := c.save(ctx, rec); err != nil {
			c.addDropped()
			c.logger.Error("record dropped after sink retries", "keyword", kw, "url", r.URL, "err", err)
			continue
		}
		c.addAccepted()
	}
}

// save writes one record, retrying a bounded number of times.
func (c *Coordinator) save(ctx context.Context, rec *storage.Record) error {
	var err error
	for attempt := 1; attempt <= c.cfg.SinkRetries; attempt++ {
		if err = c.backend.Save(ctx, rec); err == nil {
			return nil
		}
		c.logger.Warn("sink write failed", "id", rec.ID, "attempt", attempt, "err", err)
	}
	return err
}

func (c *Coordinator) markDone() {
	metrics.KeywordsTotal.WithLabelValues("done").Inc()
	c.mu.Lock()
	c.summary.KeywordsDone++
	c.mu.Unlock()
}

func (c *Coordinator) markFailed(kw, reason string) {
	metrics.KeywordsTotal.WithLabelValues("failed").Inc()
	c.logger.Warn("keyword failed", "keyword", kw, "reason", reason)
	c.mu.Lock()
	c.summary.KeywordsFailed++
	c.summary.Failures[kw] = reason
	c.mu.Unlock()
}

func (c *Coordinator) setApproxTotal(kw string, total int64) {
	c.mu.Lock()
	c.summary.ApproxTotals[kw] = total
	c.mu.Unlock()
}

func (c *Coordinator) addPage() {
	c.mu.Lock()
	c.summary.PagesFetched++
	c.mu.Unlock()
}

func (c *Coordinator) addAccepted() {
	metrics.RecordsTotal.WithLabelValues("accepted").Inc()
	c.mu.Lock()
	c.summary.RecordsAccepted++
	c.mu.Unlock()
}

func (c *Coordinator) addDuplicate() {
	metrics.RecordsTotal.WithLabelValues("duplicate").Inc()
	c.mu.Lock()
	c.summary.RecordsDuplicate++
	c.mu.Unlock()
}

func (c *Coordinator) addSkipped(n int) {
	metrics.RecordsTotal.WithLabelValues("skipped").Add(float64(n))
	c.mu.Lock()
	c.summary.RecordsSkipped += n
	c.mu.Unlock()
}

func (c *Coordinator) addDropped() {
	metrics.RecordsTotal.WithLabelValues("dropped").Inc()
	c.mu.Lock()
	c.summary.RecordsDropped++
	c.mu.Unlock()
}

package csvbackend

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/FranksOps/harvest/internal/storage"
)

// ensure csvBackend implements storage.Backend
var _ storage.Backend = (*csvBackend)(nil)

type csvBackend struct {
	mu   sync.Mutex
	file *os.File
}

// headers defines the CSV column order
var headers = []string{
	"id",
	"keyword",
	"page",
	"rank",
	"title",
	"url",
	"snippet",
	"term_hits",
	"fetched_at",
}

// New creates a CSV-backed storage.Backend. A header row is written when the
// file is empty. If appendMode is false, an existing file is truncated first.
func New(filePath string, appendMode bool) (storage.Backend, error) {
	flags := os.O_CREATE | os.O_RDWR
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(filePath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat output file: %w", err)
	}

	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(headers); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header row: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush header row: %w", err)
		}
	}

	return &csvBackend{
		file: f,
	}, nil
}

func (b *csvBackend) Save(ctx context.Context, rec *storage.Record) error {
	row := []string{
		rec.ID,
		rec.Keyword,
		strconv.Itoa(rec.Page),
		strconv.Itoa(rec.Rank),
		rec.Title,
		rec.URL,
		rec.Snippet,
		strconv.Itoa(rec.TermHits),
		rec.FetchedAt.Format(time.RFC3339Nano),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Ensure we're at the end of the file for appending (just in case)
	if _, err := b.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek output file: %w", err)
	}

	w := csv.NewWriter(b.file)
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.Flush()

	if err := w.Error(); err != nil {
		return fmt.Errorf("flush record: %w", err)
	}

	return nil
}

func (b *csvBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek output file: %w", err)
	}
	defer func() {
		// Restore pointer to end for writing
		_, _ = b.file.Seek(0, io.SeekEnd)
	}()

	r := csv.NewReader(b.file)

	// Skip header row
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return []*storage.Record{}, nil
		}
		return nil, fmt.Errorf("read header row: %w", err)
	}

	var matched []*storage.Record

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}

		if len(row) != len(headers) {
			continue // skip malformed rows
		}

		page, _ := strconv.Atoi(row[2])
		rank, _ := strconv.Atoi(row[3])
		termHits, _ := strconv.Atoi(row[7])
		fetchedAt, _ := time.Parse(time.RFC3339Nano, row[8])

		rec := &storage.Record{
			ID:        row[0],
			Keyword:   row[1],
			Page:      page,
			Rank:      rank,
			Title:     row[4],
			URL:       row[5],
			Snippet:   row[6],
			TermHits:  termHits,
			FetchedAt: fetchedAt,
		}

		if filter.Keyword != "" && rec.Keyword != filter.Keyword {
			continue
		}
		if filter.URL != "" && rec.URL != filter.URL {
			continue
		}
		if filter.Since != nil && rec.FetchedAt.Before(*filter.Since) {
			continue
		}

		matched = append(matched, rec)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*storage.Record{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

func (b *csvBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}

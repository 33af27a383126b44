package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/FranksOps/harvest/internal/storage"
	_ "modernc.org/sqlite"
)

// ensure sqliteBackend implements storage.Backend
var _ storage.Backend = (*sqliteBackend)(nil)

type sqliteBackend struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS result_records (
	id TEXT PRIMARY KEY,
	keyword TEXT NOT NULL,
	page INTEGER NOT NULL,
	rank INTEGER NOT NULL,
	title TEXT NOT NULL,
	url TEXT NOT NULL,
	snippet TEXT,
	term_hits INTEGER NOT NULL DEFAULT 0,
	fetched_at DATETIME NOT NULL
);
`

// New creates a new SQLite-backed storage.Backend.
func New(dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Save(ctx context.Context, rec *storage.Record) error {
	query := `
	INSERT INTO result_records (
		id, keyword, page, rank, title, url, snippet, term_hits, fetched_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := b.db.ExecContext(ctx, query,
		rec.ID,
		rec.Keyword,
		rec.Page,
		rec.Rank,
		rec.Title,
		rec.URL,
		rec.Snippet,
		rec.TermHits,
		rec.FetchedAt,
	)

	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	return nil
}

func (b *sqliteBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Record, error) {
	query := `SELECT id, keyword, page, rank, title, url, snippet, term_hits, fetched_at FROM result_records WHERE 1=1`
	args := []any{}

	if filter.Keyword != "" {
		query += ` AND keyword = ?`
		args = append(args, filter.Keyword)
	}
	if filter.URL != "" {
		query += ` AND url = ?`
		args = append(args, filter.URL)
	}
	if filter.Since != nil {
		query += ` AND fetched_at >= ?`
		args = append(args, *filter.Since)
	}

	query += ` ORDER BY fetched_at, keyword, page, rank`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*storage.Record
	for rows.Next() {
		var r storage.Record
		var fetchedAt time.Time

		err := rows.Scan(
			&r.ID, &r.Keyword, &r.Page, &r.Rank, &r.Title, &r.URL, &r.Snippet,
			&r.TermHits, &fetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		r.FetchedAt = fetchedAt
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

// Package sqlite implements gro.PageIndex over pure-Go SQLite with an FTS5
// full-text table. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gro "github.com/nevindra/gro"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithLogger sets a structured logger. When set, the index emits debug logs
// for every operation including timing and row counts.
func WithLogger(l *slog.Logger) IndexOption {
	return func(ix *Index) { ix.logger = l }
}

// Index is a searchable page index backed by a local SQLite file. Page
// labels, summaries, and bodies go into one FTS5 table ranked by bm25.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ gro.PageIndex = (*Index)(nil)

// New creates an Index at dbPath. A single shared connection serializes all
// goroutines through one writer, eliminating SQLITE_BUSY errors.
func New(dbPath string, opts ...IndexOption) *Index {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	ix := &Index{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(ix)
	}
	ix.logger.Debug("sqlite: page index opened", "path", dbPath)
	return ix
}

// Init creates the FTS table.
func (ix *Index) Init(ctx context.Context) error {
	_, err := ix.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS pages USING fts5(
		id UNINDEXED,
		lane UNINDEXED,
		label,
		summary,
		content
	)`)
	if err != nil {
		return fmt.Errorf("create pages index: %w", err)
	}
	return nil
}

// Index adds or replaces a page. FTS5 tables have no primary key, so
// replacement is delete-then-insert in one transaction.
func (ix *Index) Index(ctx context.Context, p gro.Page) error {
	start := time.Now()
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index page %s: %w", p.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, p.ID); err != nil {
		return fmt.Errorf("index page %s: %w", p.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO pages (id, lane, label, summary, content) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Lane, p.Label, p.Summary, p.Content)
	if err != nil {
		return fmt.Errorf("index page %s: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index page %s: %w", p.ID, err)
	}
	ix.logger.Debug("sqlite: page indexed", "id", p.ID, "took", time.Since(start))
	return nil
}

// Remove deletes a page from the index.
func (ix *Index) Remove(ctx context.Context, id string) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove page %s: %w", id, err)
	}
	return nil
}

// Search ranks pages against a free-text query by bm25. The query is
// rewritten into quoted OR-terms so user text can never trip FTS syntax.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]gro.PageMatch, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	start := time.Now()
	rows, err := ix.db.QueryContext(ctx, `
		SELECT id, bm25(pages), snippet(pages, 4, '', '', '…', 16)
		FROM pages
		WHERE pages MATCH ?
		ORDER BY bm25(pages)
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search pages: %w", err)
	}
	defer rows.Close()

	var out []gro.PageMatch
	for rows.Next() {
		var (
			m    gro.PageMatch
			rank float64
		)
		if err := rows.Scan(&m.ID, &rank, &m.Snippet); err != nil {
			return nil, fmt.Errorf("search pages: %w", err)
		}
		// bm25 ranks ascending (more negative = better); flip for callers.
		m.Score = -rank
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search pages: %w", err)
	}
	ix.logger.Debug("sqlite: search", "query", query, "hits", len(out), "took", time.Since(start))
	return out, nil
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// ftsQuery quotes each whitespace term and joins with OR.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, ``)+`"`)
	}
	return strings.Join(terms, " OR ")
}

// Package sqlite persists scrape runs in a single SQLite file using the
// pure-Go modernc driver, for deployments without a Postgres server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

const schema = `
CREATE TABLE IF NOT EXISTS scrape_runs (
	id           TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	status       TEXT NOT NULL,
	options      TEXT NOT NULL,
	submitted_at TEXT NOT NULL,
	started_at   TEXT,
	finished_at  TEXT,
	driver       TEXT NOT NULL DEFAULT '',
	total        INTEGER NOT NULL DEFAULT 0,
	results      TEXT NOT NULL DEFAULT '[]',
	meta         TEXT NOT NULL DEFAULT '{}',
	error_text   TEXT NOT NULL DEFAULT '',
	export_uri   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS scrape_runs_submitted_idx ON scrape_runs (submitted_at DESC);
`

const selectColumns = `id, url, status, options, submitted_at, started_at, finished_at,
	driver, total, results, meta, error_text, export_uri`

// RunStore implements scrape.RunStore on SQLite.
type RunStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path and applies
// the schema. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*RunStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close closes the database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run.
func (s *RunStore) CreateRun(ctx context.Context, run scrape.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO scrape_runs (
	id, url, status, options, submitted_at, started_at, finished_at,
	driver, total, results, meta, error_text, export_uri
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun overwrites an existing run.
func (s *RunStore) UpdateRun(ctx context.Context, run scrape.Run) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	// Move id from the front to the WHERE clause.
	args = append(args[1:], args[0])
	res, err := s.db.ExecContext(ctx, `
UPDATE scrape_runs SET
	url = ?, status = ?, options = ?, submitted_at = ?, started_at = ?,
	finished_at = ?, driver = ?, total = ?, results = ?, meta = ?,
	error_text = ?, export_uri = ?
WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update run %s: %w", run.ID, scrape.ErrRunNotFound)
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (scrape.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM scrape_runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scrape.Run{}, scrape.ErrRunNotFound
	}
	if err != nil {
		return scrape.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recently submitted runs first. A non-positive
// limit returns everything.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]scrape.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM scrape_runs ORDER BY submitted_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []scrape.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func runArgs(run scrape.Run) ([]any, error) {
	options, err := json.Marshal(run.Options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	exhibitors := run.Exhibitors
	if exhibitors == nil {
		exhibitors = []scrape.Exhibitor{}
	}
	results, err := json.Marshal(exhibitors)
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	meta := run.Meta
	if meta == nil {
		meta = scrape.Meta{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	return []any{
		run.ID,
		run.URL,
		string(run.Status),
		string(options),
		formatTime(run.Submitted),
		formatTimePtr(run.Started),
		formatTimePtr(run.Finished),
		run.Driver,
		run.Total,
		string(results),
		string(metaJSON),
		run.ErrorText,
		run.ExportURI,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (scrape.Run, error) {
	var run scrape.Run
	var status, submitted, options, res, meta string
	var started, finished sql.NullString
	err := row.Scan(
		&run.ID, &run.URL, &status, &options, &submitted, &started, &finished,
		&run.Driver, &run.Total, &res, &meta, &run.ErrorText, &run.ExportURI,
	)
	if err != nil {
		return scrape.Run{}, err
	}
	run.Status = scrape.RunStatus(status)
	if run.Submitted, err = parseTime(submitted); err != nil {
		return scrape.Run{}, err
	}
	if run.Started, err = parseTimePtr(started); err != nil {
		return scrape.Run{}, err
	}
	if run.Finished, err = parseTimePtr(finished); err != nil {
		return scrape.Run{}, err
	}
	if err := json.Unmarshal([]byte(options), &run.Options); err != nil {
		return scrape.Run{}, fmt.Errorf("decode options: %w", err)
	}
	if err := json.Unmarshal([]byte(res), &run.Exhibitors); err != nil {
		return scrape.Run{}, fmt.Errorf("decode results: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &run.Meta); err != nil {
		return scrape.Run{}, fmt.Errorf("decode meta: %w", err)
	}
	return run, nil
}

// Timestamps are stored as fixed-width UTC text so lexical order matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

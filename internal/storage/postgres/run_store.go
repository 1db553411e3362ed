// Package postgres persists scrape runs in Postgres through a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable holds runs when no table is configured.
const DefaultTable = "scrape_runs"

// Config controls the Postgres connection pool used for run rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RunStore implements scrape.RunStore.
type RunStore struct {
	pool  pool
	table string
}

// NewRunStore connects to Postgres using the provided config.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: p, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the runs table when it does not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	status       TEXT NOT NULL,
	options      JSONB NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	driver       TEXT NOT NULL DEFAULT '',
	total        INTEGER NOT NULL DEFAULT 0,
	results      JSONB NOT NULL DEFAULT '[]',
	meta         JSONB NOT NULL DEFAULT '{}',
	error_text   TEXT NOT NULL DEFAULT '',
	export_uri   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS %[1]s_submitted_idx ON %[1]s (submitted_at DESC)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run scrape.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, url, status, options, submitted_at, started_at, finished_at,
	driver, total, results, meta, error_text, export_uri
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, s.table)
	if _, err := s.pool.Exec(ctx, query, cols.args()...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun overwrites every mutable column of an existing run.
func (s *RunStore) UpdateRun(ctx context.Context, run scrape.Run) error {
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	url = $2, status = $3, options = $4, submitted_at = $5, started_at = $6,
	finished_at = $7, driver = $8, total = $9, results = $10, meta = $11,
	error_text = $12, export_uri = $13
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, cols.args()...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s: %w", run.ID, scrape.ErrRunNotFound)
	}
	return nil
}

const selectColumns = `id, url, status, options, submitted_at, started_at, finished_at,
	driver, total, results, meta, error_text, export_uri`

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (scrape.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
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
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY submitted_at DESC, id DESC`, selectColumns, s.table)
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

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

type runColumns struct {
	run     scrape.Run
	options []byte
	results []byte
	meta    []byte
}

func encodeRun(run scrape.Run) (runColumns, error) {
	options, err := json.Marshal(run.Options)
	if err != nil {
		return runColumns{}, fmt.Errorf("marshal options: %w", err)
	}
	exhibitors := run.Exhibitors
	if exhibitors == nil {
		exhibitors = []scrape.Exhibitor{}
	}
	results, err := json.Marshal(exhibitors)
	if err != nil {
		return runColumns{}, fmt.Errorf("marshal results: %w", err)
	}
	meta := run.Meta
	if meta == nil {
		meta = scrape.Meta{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return runColumns{}, fmt.Errorf("marshal meta: %w", err)
	}
	return runColumns{run: run, options: options, results: results, meta: metaJSON}, nil
}

func (c runColumns) args() []any {
	return []any{
		c.run.ID,
		c.run.URL,
		string(c.run.Status),
		c.options,
		c.run.Submitted,
		c.run.Started,
		c.run.Finished,
		c.run.Driver,
		c.run.Total,
		c.results,
		c.meta,
		c.run.ErrorText,
		c.run.ExportURI,
	}
}

func scanRun(row pgx.Row) (scrape.Run, error) {
	var run scrape.Run
	var status string
	var options, results, meta []byte
	err := row.Scan(
		&run.ID,
		&run.URL,
		&status,
		&options,
		&run.Submitted,
		&run.Started,
		&run.Finished,
		&run.Driver,
		&run.Total,
		&results,
		&meta,
		&run.ErrorText,
		&run.ExportURI,
	)
	if err != nil {
		return scrape.Run{}, err
	}
	run.Status = scrape.RunStatus(status)
	if err := decodeJSON(options, &run.Options); err != nil {
		return scrape.Run{}, fmt.Errorf("decode options: %w", err)
	}
	if err := decodeJSON(results, &run.Exhibitors); err != nil {
		return scrape.Run{}, fmt.Errorf("decode results: %w", err)
	}
	if err := decodeJSON(meta, &run.Meta); err != nil {
		return scrape.Run{}, fmt.Errorf("decode meta: %w", err)
	}
	return run, nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Package store provides durable local storage for the keyword registry,
// monthly aggregates, and import-job history, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/seolens/gsc-importer/pkg/aggregate"
	"github.com/seolens/gsc-importer/pkg/logging"

	_ "modernc.org/sqlite"
)

var gscStoreRowsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gsc_store_rows_upserted_total",
	Help: "Total rows upserted into the local store by table",
}, []string{"table"})

// Production-safe pragmas applied to every connection.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA foreign_keys = ON",
}

const schema = `
CREATE TABLE IF NOT EXISTS keywords (
	keyword         TEXT NOT NULL,
	site            TEXT NOT NULL,
	imported_at     TIMESTAMP NOT NULL,
	import_criteria TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (keyword, site)
);

CREATE TABLE IF NOT EXISTS monthly_aggregates (
	site        TEXT NOT NULL,
	keyword     TEXT NOT NULL,
	page        TEXT NOT NULL,
	year_month  TEXT NOT NULL,
	clicks      INTEGER NOT NULL,
	impressions INTEGER NOT NULL,
	position    REAL NOT NULL,
	ctr         REAL NOT NULL,
	PRIMARY KEY (site, keyword, page, year_month)
);

CREATE TABLE IF NOT EXISTS import_jobs (
	id            TEXT PRIMARY KEY,
	site          TEXT NOT NULL,
	start_date    TEXT NOT NULL,
	end_date      TEXT NOT NULL,
	criteria      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	rows_fetched  INTEGER NOT NULL DEFAULT 0,
	pages_fetched INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMP NOT NULL,
	finished_at   TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_monthly_site_keyword
	ON monthly_aggregates (site, keyword);
`

// Store manages all SQLite operations for the importer.
type Store struct {
	path   string
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// The modernc driver opens one connection per pool slot; keep a single
	// writer so pragma state and transactions behave predictably.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Store{
		path:   path,
		db:     db,
		logger: logging.NewLogger("store"),
	}, nil
}

// OpenMemory opens a fresh in-memory database (for tests).
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the file path of the database.
func (s *Store) Path() string { return s.path }

// DB returns the underlying connection for advanced query usage.
func (s *Store) DB() *sql.DB { return s.db }

// Keyword is one registry entry with its import metadata.
type Keyword struct {
	Keyword    string
	Site       string
	ImportedAt time.Time
	Criteria   string
}

// KeywordFilter narrows LoadKeywords. Zero fields match everything.
type KeywordFilter struct {
	Site     string
	Contains string // case-insensitive substring
}

// UpsertKeywords inserts or refreshes registry entries for site in one
// transaction. Re-upserting an existing (keyword, site) key overwrites
// its metadata; no duplicate rows are ever created.
func (s *Store) UpsertKeywords(ctx context.Context, site string, keywords []string, criteria string) error {
	if len(keywords) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin keywords upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO keywords (keyword, site, imported_at, import_criteria)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (keyword, site) DO UPDATE SET
			imported_at = excluded.imported_at,
			import_criteria = excluded.import_criteria`)
	if err != nil {
		return fmt.Errorf("prepare keywords upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, kw := range keywords {
		if _, err := stmt.ExecContext(ctx, kw, site, now, criteria); err != nil {
			return fmt.Errorf("upsert keyword %q: %w", kw, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit keywords upsert: %w", err)
	}

	gscStoreRowsUpserted.WithLabelValues("keywords").Add(float64(len(keywords)))
	s.logger.Debug().Str("site", site).Int("keywords", len(keywords)).Msg("Keywords upserted")
	return nil
}

// LoadKeywords returns registry entries matching the filter, ordered by
// keyword.
func (s *Store) LoadKeywords(ctx context.Context, f KeywordFilter) ([]Keyword, error) {
	q := "SELECT keyword, site, imported_at, import_criteria FROM keywords"
	var conds []string
	var args []any
	if f.Site != "" {
		conds = append(conds, "site = ?")
		args = append(args, f.Site)
	}
	if f.Contains != "" {
		conds = append(conds, "keyword LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Contains)+"%")
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY keyword, site"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load keywords: %w", err)
	}
	defer rows.Close()

	var out []Keyword
	for rows.Next() {
		var k Keyword
		if err := rows.Scan(&k.Keyword, &k.Site, &k.ImportedAt, &k.Criteria); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// MonthlyRecord is a stored aggregate together with its site scope.
type MonthlyRecord struct {
	Site string
	aggregate.Monthly
}

// MonthlyFilter narrows LoadMonthly. Zero fields match everything; months
// are inclusive YYYY-MM bounds.
type MonthlyFilter struct {
	Site      string
	Keyword   string
	Page      string
	FromMonth string
	ToMonth   string
}

// UpsertMonthly writes one batch of aggregates for site in a single
// transaction: a crash mid-persist leaves either the old or the new row,
// never a partial one. Re-importing the same key overwrites prior values.
func (s *Store) UpsertMonthly(ctx context.Context, site string, aggs []aggregate.Monthly) error {
	if len(aggs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin monthly upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO monthly_aggregates
			(site, keyword, page, year_month, clicks, impressions, position, ctr)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site, keyword, page, year_month) DO UPDATE SET
			clicks = excluded.clicks,
			impressions = excluded.impressions,
			position = excluded.position,
			ctr = excluded.ctr`)
	if err != nil {
		return fmt.Errorf("prepare monthly upsert: %w", err)
	}
	defer stmt.Close()

	for _, a := range aggs {
		if _, err := stmt.ExecContext(ctx,
			site, a.Keyword, a.Page, a.Month,
			a.Clicks, a.Impressions, a.Position, a.CTR); err != nil {
			return fmt.Errorf("upsert aggregate (%s, %s, %s): %w", a.Keyword, a.Page, a.Month, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit monthly upsert: %w", err)
	}

	gscStoreRowsUpserted.WithLabelValues("monthly_aggregates").Add(float64(len(aggs)))
	s.logger.Debug().Str("site", site).Int("rows", len(aggs)).Msg("Monthly aggregates upserted")
	return nil
}

// LoadMonthly returns aggregates matching the filter, ordered by
// (keyword, page, year_month).
func (s *Store) LoadMonthly(ctx context.Context, f MonthlyFilter) ([]MonthlyRecord, error) {
	q := `SELECT site, keyword, page, year_month, clicks, impressions, position, ctr
		FROM monthly_aggregates`
	var conds []string
	var args []any
	if f.Site != "" {
		conds = append(conds, "site = ?")
		args = append(args, f.Site)
	}
	if f.Keyword != "" {
		conds = append(conds, "keyword = ?")
		args = append(args, f.Keyword)
	}
	if f.Page != "" {
		conds = append(conds, "page = ?")
		args = append(args, f.Page)
	}
	if f.FromMonth != "" {
		conds = append(conds, "year_month >= ?")
		args = append(args, f.FromMonth)
	}
	if f.ToMonth != "" {
		conds = append(conds, "year_month <= ?")
		args = append(args, f.ToMonth)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY keyword, page, year_month"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load monthly aggregates: %w", err)
	}
	defer rows.Close()

	var out []MonthlyRecord
	for rows.Next() {
		var r MonthlyRecord
		if err := rows.Scan(&r.Site, &r.Keyword, &r.Page, &r.Month,
			&r.Clicks, &r.Impressions, &r.Position, &r.CTR); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// JobRecord is one import-job history entry.
type JobRecord struct {
	ID           string
	Site         string
	StartDate    string
	EndDate      string
	Criteria     string
	Status       string
	RowsFetched  int64
	PagesFetched int64
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time // zero until the job reaches a terminal state
}

// RecordJob inserts or updates a job history entry keyed by job id.
func (s *Store) RecordJob(ctx context.Context, j JobRecord) error {
	var finished any
	if !j.FinishedAt.IsZero() {
		finished = j.FinishedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_jobs
			(id, site, start_date, end_date, criteria, status,
			 rows_fetched, pages_fetched, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			rows_fetched = excluded.rows_fetched,
			pages_fetched = excluded.pages_fetched,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		j.ID, j.Site, j.StartDate, j.EndDate, j.Criteria, j.Status,
		j.RowsFetched, j.PagesFetched, j.Error, j.StartedAt.UTC(), finished)
	if err != nil {
		return fmt.Errorf("record job %s: %w", j.ID, err)
	}
	return nil
}

// ListJobs returns job history entries, newest first, optionally filtered
// by site.
func (s *Store) ListJobs(ctx context.Context, site string) ([]JobRecord, error) {
	q := `SELECT id, site, start_date, end_date, criteria, status,
		rows_fetched, pages_fetched, error, started_at, finished_at
		FROM import_jobs`
	var args []any
	if site != "" {
		q += " WHERE site = ?"
		args = append(args, site)
	}
	q += " ORDER BY started_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var j JobRecord
		var finished sql.NullTime
		if err := rows.Scan(&j.ID, &j.Site, &j.StartDate, &j.EndDate, &j.Criteria,
			&j.Status, &j.RowsFetched, &j.PagesFetched, &j.Error,
			&j.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if finished.Valid {
			j.FinishedAt = finished.Time
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

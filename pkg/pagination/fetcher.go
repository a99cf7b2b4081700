// Package pagination drives sequential paged fetches against the Search
// Analytics API under the shared request budget.
package pagination

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/seolens/gsc-importer/pkg/client"
	"github.com/seolens/gsc-importer/pkg/logging"
	"github.com/seolens/gsc-importer/pkg/ratelimit"
)

// Querier issues one Search Analytics query. Implemented by *client.Client;
// tests substitute fakes.
type Querier interface {
	Query(ctx context.Context, site string, req client.QueryRequest) (*client.QueryResponse, error)
}

// Window is the immutable date range and property of one fetch.
type Window struct {
	Site      string
	StartDate string // YYYY-MM-DD
	EndDate   string // YYYY-MM-DD
}

// Config holds fetcher configuration.
type Config struct {
	// PageSize is the row limit per request. Defaults to the API hard cap.
	PageSize int

	// MaxTotalRows aborts a sequence with ErrLimitExceeded once more rows
	// than this would be fetched. Zero means no cap.
	MaxTotalRows int
}

// DefaultConfig returns the default fetcher configuration: full-size pages
// and a 500k row safety cap.
func DefaultConfig() Config {
	return Config{
		PageSize:     client.MaxRowsPerRequest,
		MaxTotalRows: 500_000,
	}
}

// Page is one fetched batch of rows at a fixed offset.
type Page struct {
	Offset int
	Rows   []client.Row
}

// Fetcher produces page sequences. Page fetches are strictly sequential:
// one token is taken from the budget before each request and each request
// is wrapped by the retry policy.
type Fetcher struct {
	querier Querier
	budget  *ratelimit.Bucket
	retry   *client.RetryPolicy
	config  Config
	logger  zerolog.Logger
}

// New creates a fetcher. Zero config fields fall back to defaults.
func New(querier Querier, budget *ratelimit.Bucket, retry *client.RetryPolicy, cfg Config) *Fetcher {
	if cfg.PageSize <= 0 || cfg.PageSize > client.MaxRowsPerRequest {
		cfg.PageSize = client.MaxRowsPerRequest
	}
	if retry == nil {
		retry = client.DefaultRetryPolicy()
	}

	return &Fetcher{
		querier: querier,
		budget:  budget,
		retry:   retry,
		config:  cfg,
		logger:  logging.NewLogger("fetcher"),
	}
}

// Fetch returns a fresh, finite page sequence over the window. Sequences
// are not restartable: consuming one twice re-issues requests.
func (f *Fetcher) Fetch(window Window, dimensions []string, filters []client.FilterGroup) *Sequence {
	return &Sequence{
		f:          f,
		window:     window,
		dimensions: dimensions,
		filters:    filters,
	}
}

// Sequence iterates pages in the scanner style:
//
//	seq := fetcher.Fetch(window, dims, nil)
//	for seq.Next(ctx) {
//		use(seq.Page())
//	}
//	if err := seq.Err(); err != nil { … }
//
// Offsets are strictly increasing and contiguous; no offset is fetched
// twice (a retried request re-issues the same offset, which only advances
// after success). The sequence ends at the first page shorter than the
// page size; a total that is an exact multiple of the page size costs one
// trailing empty request.
type Sequence struct {
	f          *Fetcher
	window     Window
	dimensions []string
	filters    []client.FilterGroup

	offset int
	rows   int
	pages  int
	page   Page
	err    error
	done   bool
}

// Next fetches the next page. It returns false when the sequence is
// exhausted or failed; check Err afterwards.
func (s *Sequence) Next(ctx context.Context) bool {
	if s.done {
		return false
	}

	if err := s.f.budget.Wait(ctx, 1); err != nil {
		s.fail(err)
		return false
	}

	req := client.QueryRequest{
		StartDate:             s.window.StartDate,
		EndDate:               s.window.EndDate,
		Dimensions:            s.dimensions,
		RowLimit:              s.f.config.PageSize,
		StartRow:              s.offset,
		DimensionFilterGroups: s.filters,
	}

	var resp *client.QueryResponse
	err := s.f.retry.Execute(ctx, func() error {
		var qerr error
		resp, qerr = s.f.querier.Query(ctx, s.window.Site, req)
		return qerr
	})
	if err != nil {
		s.fail(err)
		return false
	}

	rows := resp.Rows
	if limit := s.f.config.MaxTotalRows; limit > 0 && s.rows+len(rows) > limit {
		s.f.logger.Warn().
			Str("site", s.window.Site).
			Int("rows_fetched", s.rows).
			Int("cap", limit).
			Msg("Row safety cap exceeded, stopping fetch")
		s.fail(client.ErrLimitExceeded)
		return false
	}

	s.f.logger.Debug().
		Str("site", s.window.Site).
		Int("offset", s.offset).
		Int("rows", len(rows)).
		Msg("Page fetched")

	if len(rows) == 0 {
		// Trailing empty page: result set was an exact multiple of the
		// page size. Nothing to yield.
		s.done = true
		return false
	}

	s.page = Page{Offset: s.offset, Rows: rows}
	s.rows += len(rows)
	s.pages++
	s.offset += s.f.config.PageSize

	if len(rows) < s.f.config.PageSize {
		s.done = true // short page: final, but still yielded
		return true
	}
	return true
}

func (s *Sequence) fail(err error) {
	s.err = err
	s.done = true
}

// Page returns the page fetched by the last successful Next call.
func (s *Sequence) Page() Page { return s.page }

// Err returns the terminal error of the sequence, if any.
func (s *Sequence) Err() error { return s.err }

// RowsFetched returns the number of rows yielded so far.
func (s *Sequence) RowsFetched() int { return s.rows }

// PagesFetched returns the number of pages yielded so far.
func (s *Sequence) PagesFetched() int { return s.pages }

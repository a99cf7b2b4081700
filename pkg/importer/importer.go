// Package importer coordinates fetching, aggregation, and persistence of
// Search Console performance data as resumable import jobs.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/seolens/gsc-importer/pkg/aggregate"
	"github.com/seolens/gsc-importer/pkg/client"
	"github.com/seolens/gsc-importer/pkg/logging"
	"github.com/seolens/gsc-importer/pkg/pagination"
	"github.com/seolens/gsc-importer/pkg/ratelimit"
	"github.com/seolens/gsc-importer/pkg/store"
)

const dateLayout = "2006-01-02"

var gscImportJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gsc_import_jobs_total",
	Help: "Total import jobs by terminal status",
}, []string{"status"})

// Criteria describes one import. Immutable once the import begins.
type Criteria struct {
	// Site is the Search Console property (e.g. "sc-domain:example.com").
	Site string

	// StartDate and EndDate bound the import, YYYY-MM-DD. EndDate defaults
	// to today.
	StartDate string
	EndDate   string

	// MinImpressions and MinClicks drop keywords below the threshold
	// within each monthly batch. The API cannot filter on metrics, so
	// these are applied after fetching.
	MinImpressions int64
	MinClicks      int64

	// KeywordPattern is a case-insensitive regular expression keywords
	// must match to be imported. Empty matches everything.
	KeywordPattern string
}

// Config holds orchestrator configuration.
type Config struct {
	// PageSize per request; defaults to the API hard cap.
	PageSize int

	// MaxTotalRows is the per-month safety cap; a month exceeding it fails
	// the job with a limit-class error, keeping already persisted months.
	// Zero selects the default cap; the cap is never disabled.
	MaxTotalRows int

	// OnProgress, when set, is invoked after every fetched page and every
	// status change with a fresh snapshot.
	OnProgress func(Progress)
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:     client.MaxRowsPerRequest,
		MaxTotalRows: 500_000,
	}
}

// Importer runs import jobs. One import runs at a time per Importer; the
// shared rate budget is the single arbiter for all request pacing.
type Importer struct {
	querier pagination.Querier
	budget  *ratelimit.Bucket
	retry   *client.RetryPolicy
	store   *store.Store
	config  Config
	logger  zerolog.Logger
}

// New creates an importer.
func New(querier pagination.Querier, budget *ratelimit.Bucket, retry *client.RetryPolicy, st *store.Store, cfg Config) *Importer {
	if cfg.PageSize <= 0 || cfg.PageSize > client.MaxRowsPerRequest {
		cfg.PageSize = client.MaxRowsPerRequest
	}
	if cfg.MaxTotalRows <= 0 {
		cfg.MaxTotalRows = DefaultConfig().MaxTotalRows
	}
	if retry == nil {
		retry = client.DefaultRetryPolicy()
	}
	if budget == nil {
		budget = ratelimit.NewDefault()
	}

	return &Importer{
		querier: querier,
		budget:  budget,
		retry:   retry,
		store:   st,
		config:  cfg,
		logger:  logging.NewLogger("importer"),
	}
}

// Start validates the criteria and launches the import. Validation
// failures surface immediately; everything after that is reported through
// the job handle.
func (imp *Importer) Start(ctx context.Context, c Criteria) (*Job, error) {
	if c.Site == "" {
		return nil, &client.APIError{Class: client.ClassValidation, Message: "site is required"}
	}
	if c.EndDate == "" {
		c.EndDate = time.Now().UTC().Format(dateLayout)
	}
	start, err := time.Parse(dateLayout, c.StartDate)
	if err != nil {
		return nil, &client.APIError{Class: client.ClassValidation,
			Message: fmt.Sprintf("invalid start date %q", c.StartDate), Err: err}
	}
	end, err := time.Parse(dateLayout, c.EndDate)
	if err != nil {
		return nil, &client.APIError{Class: client.ClassValidation,
			Message: fmt.Sprintf("invalid end date %q", c.EndDate), Err: err}
	}
	if start.After(end) {
		return nil, &client.APIError{Class: client.ClassValidation,
			Message: fmt.Sprintf("start date %s after end date %s", c.StartDate, c.EndDate)}
	}
	pattern, err := compilePattern(c.KeywordPattern)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	job := &Job{
		id:        uuid.NewString(),
		criteria:  c,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusIdle,
	}

	imp.logger.Info().
		Str("job_id", job.id).
		Str("site", c.Site).
		Str("start_date", c.StartDate).
		Str("end_date", c.EndDate).
		Msg("Import started")

	go imp.run(runCtx, job, start, end, pattern)
	return job, nil
}

// run drives the job through its state machine. Any error leaves already
// persisted months in place.
func (imp *Importer) run(ctx context.Context, job *Job, start, end time.Time, pattern *regexp.Regexp) {
	c := job.criteria

	job.setStatus(StatusEstimating)
	imp.emit(job)
	imp.recordJob(job)

	// Pre-flight probe: one single-row query over the full window to
	// validate access and the date range before committing to the fetch.
	if err := imp.preflight(ctx, c); err != nil {
		imp.finish(job, err)
		return
	}

	months := aggregate.MonthRanges(start, end)
	job.setMonths(0, len(months))
	imp.emit(job)

	fetcher := pagination.New(imp.querier, imp.budget, imp.retry, pagination.Config{
		PageSize:     imp.config.PageSize,
		MaxTotalRows: imp.config.MaxTotalRows,
	})
	dims := []string{client.DimensionQuery, client.DimensionPage, client.DimensionDate}

	for i, month := range months {
		if err := ctx.Err(); err != nil {
			imp.finish(job, err)
			return
		}

		job.setStatus(StatusFetching)
		imp.emit(job)

		acc := aggregate.NewAccumulator()
		seq := fetcher.Fetch(pagination.Window{
			Site:      c.Site,
			StartDate: month.StartDate(),
			EndDate:   month.EndDate(),
		}, dims, nil)

		for seq.Next(ctx) {
			page := seq.Page()
			if err := acc.AddAll(page.Rows); err != nil {
				imp.finish(job, err)
				return
			}
			job.addPage(len(page.Rows))
			imp.emit(job)
		}
		if err := seq.Err(); err != nil {
			imp.finish(job, fmt.Errorf("fetch month %s: %w", month.Month(), err))
			return
		}

		job.setStatus(StatusAggregating)
		imp.emit(job)
		aggs, keywords := filterAggregates(acc.Aggregates(), pattern, c.MinImpressions, c.MinClicks)

		job.setStatus(StatusPersisting)
		imp.emit(job)
		if err := imp.store.UpsertMonthly(ctx, c.Site, aggs); err != nil {
			imp.finishWith(job, fmt.Errorf("persist month %s: %w", month.Month(), err), client.ClassPersistence)
			return
		}
		if err := imp.store.UpsertKeywords(ctx, c.Site, keywords, criteriaJSON(c)); err != nil {
			imp.finishWith(job, fmt.Errorf("persist keywords for %s: %w", month.Month(), err), client.ClassPersistence)
			return
		}

		job.setMonths(i+1, len(months))
		imp.emit(job)
		imp.recordJob(job)

		imp.logger.Info().
			Str("job_id", job.id).
			Str("month", month.Month()).
			Int("aggregates", len(aggs)).
			Int("keywords", len(keywords)).
			Msg("Month batch persisted")
	}

	imp.finish(job, nil)
}

// preflight issues the Estimating probe through the same budget and retry
// path as regular pages.
func (imp *Importer) preflight(ctx context.Context, c Criteria) error {
	if err := imp.budget.Wait(ctx, 1); err != nil {
		return err
	}
	return imp.retry.Execute(ctx, func() error {
		_, err := imp.querier.Query(ctx, c.Site, client.QueryRequest{
			StartDate:  c.StartDate,
			EndDate:    c.EndDate,
			Dimensions: []string{client.DimensionQuery},
			RowLimit:   1,
		})
		return err
	})
}

func (imp *Importer) finish(job *Job, err error) {
	imp.finishWith(job, err, client.Classify(err))
}

func (imp *Importer) finishWith(job *Job, err error, class client.ErrorClass) {
	status := StatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, client.ErrContextCancelled):
		status = StatusCancelled
		err = context.Canceled
		class = ""
	default:
		status = StatusFailed
	}

	job.finish(status, err, class)
	gscImportJobsTotal.WithLabelValues(string(status)).Inc()
	imp.recordJob(job)
	imp.emit(job)

	evt := imp.logger.Info()
	if status == StatusFailed {
		evt = imp.logger.Error().Err(err).Str("error_class", string(class))
	}
	snap := job.Snapshot()
	evt.
		Str("job_id", job.id).
		Str("status", string(status)).
		Int("pages_fetched", snap.PagesFetched).
		Int("rows_fetched", snap.RowsFetched).
		Msg("Import finished")

	// Unblock Done only after the final history write, so a waiter never
	// observes a finished job with a stale history entry.
	close(job.done)
}

// recordJob writes the job history entry. History failures are logged,
// never fatal for the import itself.
func (imp *Importer) recordJob(job *Job) {
	snap := job.Snapshot()
	rec := store.JobRecord{
		ID:           job.id,
		Site:         job.criteria.Site,
		StartDate:    job.criteria.StartDate,
		EndDate:      job.criteria.EndDate,
		Criteria:     criteriaJSON(job.criteria),
		Status:       string(snap.Status),
		RowsFetched:  int64(snap.RowsFetched),
		PagesFetched: int64(snap.PagesFetched),
		Error:        snap.Error,
		StartedAt:    job.startedAt,
	}
	if snap.Status.Terminal() {
		rec.FinishedAt = time.Now().UTC()
	}

	// Deliberately not the job context: the final history write must
	// succeed even after cancellation.
	if err := imp.store.RecordJob(context.Background(), rec); err != nil {
		imp.logger.Warn().Err(err).Str("job_id", job.id).Msg("Failed to record job history")
	}
}

func (imp *Importer) emit(job *Job) {
	if imp.config.OnProgress != nil {
		imp.config.OnProgress(job.Snapshot())
	}
}

// QueryMonthly returns stored aggregates matching the filter.
func (imp *Importer) QueryMonthly(ctx context.Context, f store.MonthlyFilter) ([]store.MonthlyRecord, error) {
	return imp.store.LoadMonthly(ctx, f)
}

// Jobs returns the import-job history for a site (all sites when empty).
func (imp *Importer) Jobs(ctx context.Context, site string) ([]store.JobRecord, error) {
	return imp.store.ListJobs(ctx, site)
}

// filterAggregates applies the criteria filters: the keyword pattern per
// keyword, and the minimum thresholds against the keyword's totals within
// this batch. Returns the surviving aggregates and their distinct
// keywords.
func filterAggregates(aggs []aggregate.Monthly, pattern *regexp.Regexp, minImpressions, minClicks int64) ([]aggregate.Monthly, []string) {
	type totals struct {
		impressions int64
		clicks      int64
	}
	perKeyword := make(map[string]*totals)
	for _, a := range aggs {
		t := perKeyword[a.Keyword]
		if t == nil {
			t = &totals{}
			perKeyword[a.Keyword] = t
		}
		t.impressions += a.Impressions
		t.clicks += a.Clicks
	}

	keep := func(kw string) bool {
		if pattern != nil && !pattern.MatchString(kw) {
			return false
		}
		t := perKeyword[kw]
		if minImpressions > 0 && t.impressions < minImpressions {
			return false
		}
		if minClicks > 0 && t.clicks < minClicks {
			return false
		}
		return true
	}

	var out []aggregate.Monthly
	seen := make(map[string]bool)
	var keywords []string
	for _, a := range aggs {
		if !keep(a.Keyword) {
			continue
		}
		out = append(out, a)
		if !seen[a.Keyword] {
			seen[a.Keyword] = true
			keywords = append(keywords, a.Keyword)
		}
	}
	return out, keywords
}

func compilePattern(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, &client.APIError{Class: client.ClassValidation,
			Message: fmt.Sprintf("invalid keyword pattern %q", expr), Err: err}
	}
	return re, nil
}

func criteriaJSON(c Criteria) string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}

package pagination

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seolens/gsc-importer/pkg/client"
	"github.com/seolens/gsc-importer/pkg/ratelimit"
)

// fakeQuerier serves a fixed number of synthetic rows and records the
// startRow of every request. failures maps a startRow to a number of
// injected failures before that offset succeeds.
type fakeQuerier struct {
	totalRows int
	startRows []int
	failures  map[int]int
	failWith  error
}

func (q *fakeQuerier) Query(ctx context.Context, site string, req client.QueryRequest) (*client.QueryResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.startRows = append(q.startRows, req.StartRow)

	if n := q.failures[req.StartRow]; n > 0 {
		q.failures[req.StartRow] = n - 1
		err := q.failWith
		if err == nil {
			err = &client.APIError{StatusCode: 503, Class: client.ClassNetwork, Message: "injected"}
		}
		return nil, err
	}

	remaining := q.totalRows - req.StartRow
	if remaining < 0 {
		remaining = 0
	}
	count := req.RowLimit
	if count > remaining {
		count = remaining
	}
	rows := make([]client.Row, count)
	for i := range rows {
		rows[i] = client.Row{
			Query:       fmt.Sprintf("keyword-%d", req.StartRow+i),
			Date:        "2024-10-01",
			Clicks:      1,
			Impressions: 10,
		}
	}
	return &client.QueryResponse{Rows: rows}, nil
}

func fastRetry() *client.RetryPolicy {
	return &client.RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Microsecond,
		MaxBackoff:        time.Microsecond,
		BackoffMultiplier: 1.0,
	}
}

func newTestFetcher(q Querier, cfg Config) *Fetcher {
	return New(q, ratelimit.New(100_000, time.Minute), fastRetry(), cfg)
}

func drain(t *testing.T, seq *Sequence) []Page {
	t.Helper()
	var pages []Page
	for seq.Next(t.Context()) {
		pages = append(pages, seq.Page())
	}
	return pages
}

func TestSequence_PartialFinalPage(t *testing.T) {
	q := &fakeQuerier{totalRows: 25}
	f := newTestFetcher(q, Config{PageSize: 10})

	seq := f.Fetch(Window{Site: "https://example.com/"}, nil, nil)
	pages := drain(t, seq)
	if err := seq.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}

	wantOffsets := []int{0, 10, 20}
	if len(pages) != 3 {
		t.Fatalf("yielded %d pages, want 3", len(pages))
	}
	for i, p := range pages {
		if p.Offset != wantOffsets[i] {
			t.Errorf("page[%d].Offset = %d, want %d", i, p.Offset, wantOffsets[i])
		}
	}
	if len(pages[2].Rows) != 5 {
		t.Errorf("final page has %d rows, want 5", len(pages[2].Rows))
	}
	// The short final page terminates the sequence without an extra probe.
	if len(q.startRows) != 3 {
		t.Errorf("issued %d requests, want 3 (offsets %v)", len(q.startRows), q.startRows)
	}
}

func TestSequence_ExactMultipleCostsTrailingProbe(t *testing.T) {
	q := &fakeQuerier{totalRows: 20}
	f := newTestFetcher(q, Config{PageSize: 10})
	seq := f.Fetch(Window{Site: "https://example.com/"}, nil, nil)

	pages := drain(t, seq)
	if err := seq.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("yielded %d pages, want 2", len(pages))
	}
	// 20 rows at page size 10 need a third, empty request to prove the
	// result set is exhausted.
	want := []int{0, 10, 20}
	if len(q.startRows) != 3 {
		t.Fatalf("startRows = %v, want %v", q.startRows, want)
	}
	for i := range want {
		if q.startRows[i] != want[i] {
			t.Errorf("startRows[%d] = %d, want %d", i, q.startRows[i], want[i])
		}
	}
	if seq.RowsFetched() != 20 || seq.PagesFetched() != 2 {
		t.Errorf("counters = (%d rows, %d pages), want (20, 2)", seq.RowsFetched(), seq.PagesFetched())
	}
}

func TestSequence_EmptyResult(t *testing.T) {
	q := &fakeQuerier{totalRows: 0}
	f := newTestFetcher(q, Config{PageSize: 10})
	seq := f.Fetch(Window{Site: "https://example.com/"}, nil, nil)

	if seq.Next(t.Context()) {
		t.Error("Next() = true on empty result set")
	}
	if err := seq.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if len(q.startRows) != 1 {
		t.Errorf("issued %d requests, want 1", len(q.startRows))
	}
}

func TestSequence_ExhaustedStaysExhausted(t *testing.T) {
	q := &fakeQuerier{totalRows: 5}
	f := newTestFetcher(q, Config{PageSize: 10})
	seq := f.Fetch(Window{Site: "https://example.com/"}, nil, nil)

	drain(t, seq)
	issued := len(q.startRows)
	if seq.Next(t.Context()) {
		t.Error("Next() = true after exhaustion")
	}
	if len(q.startRows) != issued {
		t.Error("Next after exhaustion issued another request")
	}
}

func TestSequence_RowCapAborts(t *testing.T) {
	q := &fakeQuerier{totalRows: 100}
	f := newTestFetcher(q, Config{PageSize: 10, MaxTotalRows: 25})
	seq := f.Fetch(Window{Site: "https://example.com/"}, nil, nil)

	pages := drain(t, seq)
	if !errors.Is(seq.Err(), client.ErrLimitExceeded) {
		t.Fatalf("Err() = %v, want ErrLimitExceeded", seq.Err())
	}
	// Two full pages fit under the 25-row cap; the third would cross it.
	if len(pages) != 2 {
		t.Errorf("yielded %d pages before the cap, want 2", len(pages))
	}
	if seq.RowsFetched() != 20 {
		t.Errorf("RowsFetched() = %d, want 20", seq.RowsFetched())
	}
}

func TestSequence_RetryKeepsOffset(t *testing.T) {
	q := &fakeQuerier{
		totalRows: 25,
		failures:  map[int]int{10: 2},
	}
	f := newTestFetcher(q, Config{PageSize: 10})
	seq := f.Fetch(Window{Site: "https://example.com/"}, nil, nil)

	pages := drain(t, seq)
	if err := seq.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("yielded %d pages, want 3", len(pages))
	}

	// The failing offset is re-issued until it succeeds; no offset is
	// skipped and none is yielded twice.
	want := []int{0, 10, 10, 10, 20}
	if len(q.startRows) != len(want) {
		t.Fatalf("startRows = %v, want %v", q.startRows, want)
	}
	for i := range want {
		if q.startRows[i] != want[i] {
			t.Errorf("startRows[%d] = %d, want %d", i, q.startRows[i], want[i])
		}
	}
	for i, p := range pages {
		if p.Offset != i*10 {
			t.Errorf("page[%d].Offset = %d, want %d", i, p.Offset, i*10)
		}
	}
}

func TestSequence_NonRetryableFailsFast(t *testing.T) {
	q := &fakeQuerier{
		totalRows: 25,
		failures:  map[int]int{0: 1},
		failWith:  &client.APIError{StatusCode: 403, Class: client.ClassAuth, Message: "forbidden"},
	}
	f := newTestFetcher(q, Config{PageSize: 10})
	seq := f.Fetch(Window{Site: "https://example.com/"}, nil, nil)

	if seq.Next(t.Context()) {
		t.Fatal("Next() = true on auth failure")
	}
	if got := client.Classify(seq.Err()); got != client.ClassAuth {
		t.Errorf("error class = %q, want auth", got)
	}
	if len(q.startRows) != 1 {
		t.Errorf("issued %d requests, want 1 (auth errors are not retried)", len(q.startRows))
	}
}

func TestSequence_RetryExhaustion(t *testing.T) {
	q := &fakeQuerier{
		totalRows: 25,
		failures:  map[int]int{0: 100},
	}
	f := newTestFetcher(q, Config{PageSize: 10})
	seq := f.Fetch(Window{Site: "https://example.com/"}, nil, nil)

	if seq.Next(t.Context()) {
		t.Fatal("Next() = true after exhausted retries")
	}
	if !errors.Is(seq.Err(), client.ErrRetryExhausted) {
		t.Errorf("Err() = %v, want ErrRetryExhausted", seq.Err())
	}
	if len(q.startRows) != 3 {
		t.Errorf("issued %d requests, want MaxAttempts=3", len(q.startRows))
	}
}

func TestSequence_CancelledContext(t *testing.T) {
	q := &fakeQuerier{totalRows: 25}
	f := newTestFetcher(q, Config{PageSize: 10})
	seq := f.Fetch(Window{Site: "https://example.com/"}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if seq.Next(ctx) {
		t.Error("Next() = true on cancelled context")
	}
	if seq.Err() == nil {
		t.Error("Err() = nil, want context error")
	}
}

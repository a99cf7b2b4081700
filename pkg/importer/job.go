package importer

import (
	"context"
	"sync"
	"time"

	"github.com/seolens/gsc-importer/pkg/client"
)

// Status is the import job state. Transitions are monotonic: once a job
// reaches a terminal state no further fetching, aggregating, or
// persisting occurs.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusEstimating  Status = "estimating"
	StatusFetching    Status = "fetching"
	StatusAggregating Status = "aggregating"
	StatusPersisting  Status = "persisting"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Progress is an immutable snapshot of a running or finished job.
type Progress struct {
	JobID        string
	Status       Status
	PagesFetched int
	RowsFetched  int
	MonthsDone   int
	MonthsTotal  int
	ErrorClass   client.ErrorClass
	Error        string
}

// Job is the handle for one import. The UI layer reads snapshots; it
// never shares mutable references into the engine.
type Job struct {
	id        string
	criteria  Criteria
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	status      Status
	pages       int
	rows        int
	monthsDone  int
	monthsTotal int
	err         error
	errClass    client.ErrorClass
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel requests cooperative cancellation. It is polled between pages
// and between month batches, never mid-request; aggregates already
// persisted are retained.
func (j *Job) Cancel() { j.cancel() }

// Err returns the terminal error, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Snapshot returns the current progress.
func (j *Job) Snapshot() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()

	p := Progress{
		JobID:        j.id,
		Status:       j.status,
		PagesFetched: j.pages,
		RowsFetched:  j.rows,
		MonthsDone:   j.monthsDone,
		MonthsTotal:  j.monthsTotal,
		ErrorClass:   j.errClass,
	}
	if j.err != nil {
		p.Error = j.err.Error()
	}
	return p
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) addPage(rows int) {
	j.mu.Lock()
	j.pages++
	j.rows += rows
	j.mu.Unlock()
}

func (j *Job) setMonths(done, total int) {
	j.mu.Lock()
	j.monthsDone = done
	j.monthsTotal = total
	j.mu.Unlock()
}

// finish records the terminal state. The done channel is closed
// separately, after the history entry is written.
func (j *Job) finish(s Status, err error, class client.ErrorClass) {
	j.mu.Lock()
	j.status = s
	j.err = err
	j.errClass = class
	j.mu.Unlock()
}

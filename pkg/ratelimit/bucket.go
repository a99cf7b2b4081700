// Package ratelimit implements the request budget as a paced token
// bucket. Tokens refill continuously at capacity/window per second,
// computed lazily from elapsed time; no background timer runs. Stored
// tokens cap at a single request, so consecutive acquisitions are spaced
// at least window/capacity apart and no rolling window ever sees more
// than capacity acquisitions. The configured capacity must stay strictly
// below the remote per-minute ceiling so the importer operates at a
// safety margin, never at the literal limit.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/seolens/gsc-importer/pkg/logging"
)

// Request budget defaults.
const (
	// PerMinuteCeiling is the documented hard per-minute query quota.
	PerMinuteCeiling = 1200

	// DefaultCapacity is the default request allowance per window,
	// a safety margin below PerMinuteCeiling.
	DefaultCapacity = 1000

	// DefaultWindow is the rolling window the capacity applies to.
	DefaultWindow = time.Minute
)

// maxStored caps the tokens a bucket accumulates while idle. One token
// keeps acquisitions paced at the refill rate: an idle bucket never
// builds up a burst that could overshoot the rolling window budget.
const maxStored = 1.0

// Prometheus metrics for the request budget.
var (
	gscBudgetTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gsc_rate_budget_tokens",
		Help: "Tokens currently remaining in the request budget",
	})

	gscBudgetWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gsc_rate_budget_waits_total",
		Help: "Total number of acquisitions that had to wait for refill",
	})

	gscBudgetWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gsc_rate_budget_wait_seconds",
		Help:    "Time spent waiting for budget tokens",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
	})
)

// Bucket is a mutex-guarded token bucket. A single Bucket must be the
// only arbiter for all fetch sequences sharing one quota.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	window   time.Duration
	tokens   float64
	last     time.Time

	// now and sleep are replaceable for simulated-clock tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	logger zerolog.Logger
}

// New creates a bucket allowing capacity acquisitions per window. The
// first acquisition is immediate; every one after that is paced at
// window/capacity. Non-positive arguments fall back to defaults.
func New(capacity int, window time.Duration) *Bucket {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}

	b := &Bucket{
		capacity: float64(capacity),
		window:   window,
		tokens:   maxStored,
		now:      time.Now,
		logger:   logging.NewLogger("rate-budget"),
	}
	b.last = b.now()
	return b
}

// NewDefault returns a bucket with the default capacity and window.
func NewDefault() *Bucket {
	return New(DefaultCapacity, DefaultWindow)
}

// refill credits tokens for the time elapsed since the last call.
// Caller must hold b.mu.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * b.capacity / b.window.Seconds()
		if b.tokens > maxStored {
			b.tokens = maxStored
		}
	}
	b.last = now
	gscBudgetTokens.Set(b.tokens)
}

// TryAcquire consumes n tokens if available without blocking.
func (b *Bucket) TryAcquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	gscBudgetTokens.Set(b.tokens)
	return true
}

// Wait blocks until n tokens are available, then consumes them. The wait
// is cooperative: it returns early with the context error if ctx is done.
func (b *Bucket) Wait(ctx context.Context, n int) error {
	if float64(n) > maxStored {
		return fmt.Errorf("requested %d tokens, bucket paces single-token acquisitions", n)
	}

	waited := time.Duration(0)
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= float64(n) {
			b.tokens -= float64(n)
			gscBudgetTokens.Set(b.tokens)
			b.mu.Unlock()
			if waited > 0 {
				gscBudgetWaitSeconds.Observe(waited.Seconds())
			}
			return nil
		}

		deficit := float64(n) - b.tokens
		wait := time.Duration(math.Ceil(deficit / b.capacity * b.window.Seconds() * float64(time.Second)))
		if wait <= 0 {
			wait = time.Millisecond
		}
		b.mu.Unlock()

		if waited == 0 {
			gscBudgetWaitsTotal.Inc()
			b.logger.Debug().
				Dur("wait", wait).
				Msg("Request budget exhausted, waiting for refill")
		}
		waited += wait

		if err := b.doSleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Tokens returns the current token count after a lazy refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *Bucket) doSleep(ctx context.Context, d time.Duration) error {
	if b.sleep != nil {
		return b.sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

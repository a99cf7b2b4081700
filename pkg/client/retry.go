package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	gscRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsc_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	gscRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gsc_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	gscRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsc_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryPolicy executes fallible remote calls, retrying transient failures
// with exponential backoff and jitter. Error classification decides what
// gets retried: quota and network errors do, validation and auth errors
// surface immediately after a single attempt.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the backoff before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff growth.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// sleep waits for the given duration or until the context is done.
	// Tests replace it to run against a fake clock.
	sleep func(ctx context.Context, d time.Duration) error

	// jitterFn returns a value in [0,1) used for backoff jitter.
	jitterFn func() float64
}

// DefaultRetryPolicy returns the default retry policy: 3 attempts,
// 1s initial backoff doubling up to 30s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (p *RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-time.After(d):
		return nil
	}
}

func (p *RetryPolicy) jitter() float64 {
	if p.jitterFn != nil {
		return p.jitterFn()
	}
	return rand.Float64()
}

// Execute runs op, retrying retryable failures up to MaxAttempts. The
// final error is never swallowed: on exhaustion the returned error wraps
// both ErrRetryExhausted and the last error from op.
func (p *RetryPolicy) Execute(ctx context.Context, op func() error) error {
	var lastErr error
	backoff := p.InitialBackoff

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class := Classify(err)

		if !Retryable(class) {
			return lastErr
		}

		if attempt >= p.MaxAttempts {
			break
		}

		gscRetriesTotal.WithLabelValues(string(class)).Inc()

		// ±20% jitter around the current backoff
		delay := time.Duration(float64(backoff) * (0.8 + p.jitter()*0.4))
		gscRetryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		log.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := p.wait(ctx, delay); err != nil {
			return err
		}

		backoff = time.Duration(float64(backoff) * p.BackoffMultiplier)
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	class := Classify(lastErr)
	gscRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
	log.Warn().
		Str("error_class", string(class)).
		Int("max_attempts", p.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, p.MaxAttempts, lastErr)
}

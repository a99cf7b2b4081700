package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock drives a bucket deterministically: sleeps advance the clock
// instead of blocking.
type fakeClock struct {
	now time.Time
}

func newTestBucket(capacity int, window time.Duration) (*Bucket, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)}
	b := New(capacity, window)
	b.now = func() time.Time { return clk.now }
	b.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		clk.now = clk.now.Add(d)
		return nil
	}
	b.last = clk.now
	return b, clk
}

func TestNew_Defaults(t *testing.T) {
	b := New(0, 0)
	if b.capacity != DefaultCapacity {
		t.Errorf("capacity = %.0f, want %d", b.capacity, DefaultCapacity)
	}
	if b.window != DefaultWindow {
		t.Errorf("window = %v, want %v", b.window, DefaultWindow)
	}
	if DefaultCapacity >= PerMinuteCeiling {
		t.Errorf("DefaultCapacity %d must stay below the per-minute ceiling %d", DefaultCapacity, PerMinuteCeiling)
	}
}

func TestTryAcquire_PacesAcquisitions(t *testing.T) {
	// 10 per minute means one token every 6 seconds.
	b, clk := newTestBucket(10, time.Minute)

	if !b.TryAcquire(1) {
		t.Fatal("first acquisition refused on a fresh bucket")
	}
	if b.TryAcquire(1) {
		t.Error("second immediate acquisition succeeded, want paced refusal")
	}

	// Half the pacing interval is not enough.
	clk.now = clk.now.Add(3 * time.Second)
	if b.TryAcquire(1) {
		t.Error("acquisition succeeded after half the pacing interval")
	}

	clk.now = clk.now.Add(3 * time.Second)
	if !b.TryAcquire(1) {
		t.Error("acquisition refused after a full pacing interval")
	}
}

func TestTokens_IdleNeverAccumulatesBurst(t *testing.T) {
	b, clk := newTestBucket(10, time.Minute)
	b.TryAcquire(1)

	// A long idle stretch must not bank more than one request.
	clk.now = clk.now.Add(time.Hour)
	if got := b.Tokens(); got != 1 {
		t.Errorf("tokens after long idle = %.2f, want capped at 1", got)
	}
	if !b.TryAcquire(1) {
		t.Fatal("acquisition refused after idle")
	}
	if b.TryAcquire(1) {
		t.Error("idle time banked a second acquisition, want paced refusal")
	}
}

func TestWait_BlocksUntilRefill(t *testing.T) {
	// 60 per minute means one token per second.
	b, clk := newTestBucket(60, time.Minute)
	start := clk.now

	for i := 0; i < 5; i++ {
		if err := b.Wait(context.Background(), 1); err != nil {
			t.Fatalf("Wait(%d) = %v", i, err)
		}
	}

	// First acquisition is immediate, the other four wait one pacing
	// interval each.
	waited := clk.now.Sub(start)
	if waited < 3900*time.Millisecond || waited > 4100*time.Millisecond {
		t.Errorf("five acquisitions advanced the clock by %v, want ~4s", waited)
	}
}

// No rolling window may see more acquisitions than the configured
// capacity, including the very first window of a fresh bucket.
func TestWait_RollingWindowWithinCapacity(t *testing.T) {
	const capacity = 20
	window := time.Minute
	b, clk := newTestBucket(capacity, window)
	ctx := context.Background()

	var stamps []time.Time
	for i := 0; i < 2*capacity; i++ {
		if err := b.Wait(ctx, 1); err != nil {
			t.Fatal(err)
		}
		stamps = append(stamps, clk.now)
	}

	for i := range stamps {
		count := 1
		for j := i + 1; j < len(stamps); j++ {
			if stamps[j].Sub(stamps[i]) < window {
				count++
			}
		}
		if count > capacity {
			t.Fatalf("window starting at acquisition %d saw %d acquisitions, capacity is %d", i, count, capacity)
		}
	}

	// The first window is the dangerous one: a fresh bucket must not
	// front-load a burst on top of a window's worth of refill.
	first := 0
	for _, s := range stamps {
		if s.Sub(stamps[0]) < window {
			first++
		}
	}
	if first > capacity {
		t.Errorf("first rolling window saw %d acquisitions, capacity is %d", first, capacity)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	b, _ := newTestBucket(1, time.Minute)
	b.TryAcquire(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Wait(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait on cancelled context = %v, want context.Canceled", err)
	}
}

func TestWait_MultiTokenRequestRejected(t *testing.T) {
	b, _ := newTestBucket(5, time.Minute)
	if err := b.Wait(context.Background(), 2); err == nil {
		t.Error("Wait(2) succeeded, want error: acquisitions are paced one token at a time")
	}
}

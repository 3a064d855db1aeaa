package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/connies-uploader/sidecar/internal/config"
)

func TestAcquireSpacingAtOneTokenPerSecond(t *testing.T) {
	t.Parallel()

	r := NewRegistry(config.RateConfig{Default: config.BucketSpec{PerSecond: 10, Burst: 1}})

	// Burst 1: three acquires must be spaced roughly a token apart (100ms at 10/s).
	start := time.Now()
	var stamps []time.Duration
	for i := 0; i < 3; i++ {
		if err := r.Acquire(context.Background(), "svc"); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		stamps = append(stamps, time.Since(start))
	}

	for i := 1; i < len(stamps); i++ {
		gap := stamps[i] - stamps[i-1]
		if gap < 80*time.Millisecond {
			t.Fatalf("acquire %d only %v after previous, want >=~100ms", i, gap)
		}
	}
}

func TestAcquireBurstAdmitsWithoutDelay(t *testing.T) {
	t.Parallel()

	r := NewRegistry(config.RateConfig{Default: config.BucketSpec{PerSecond: 1, Burst: 5}})

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := r.Acquire(context.Background(), "svc"); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("burst of 5 took %v, expected immediate admission", elapsed)
	}
}

func TestAcquireHonorsDeadline(t *testing.T) {
	t.Parallel()

	r := NewRegistry(config.RateConfig{Default: config.BucketSpec{PerSecond: 0.1, Burst: 1}})
	if err := r.Acquire(context.Background(), "svc"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	// Next token is 10s away; a 50ms deadline must fail fast, not stall.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Acquire(ctx, "svc")
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded in chain, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Acquire took %v, should abandon at the deadline", time.Since(start))
	}
}

func TestServicesDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	r := NewRegistry(config.RateConfig{Default: config.BucketSpec{PerSecond: 100, Burst: 10}})
	// Exhaust service A so its next acquire waits.
	r.SetBucket("slow", config.BucketSpec{PerSecond: 0.1, Burst: 1})
	if err := r.Acquire(context.Background(), "slow"); err != nil {
		t.Fatalf("drain slow: %v", err)
	}

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Acquire(ctx, "slow") // parked waiting for a token
	}()

	// Service B acquires must complete promptly despite A being starved.
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Acquire(context.Background(), "fast"); err != nil {
				t.Errorf("fast Acquire: %v", err)
			}
		}()
	}
	wg.Wait()
	close(done)

	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("fast service stalled %v behind slow service", elapsed)
	}
}

func TestSetBucketOverridesDefault(t *testing.T) {
	t.Parallel()

	r := NewRegistry(config.RateConfig{Default: config.BucketSpec{PerSecond: 1, Burst: 1}})
	r.SetBucket("wide", config.BucketSpec{PerSecond: 100, Burst: 50})

	start := time.Now()
	for i := 0; i < 20; i++ {
		if err := r.Acquire(context.Background(), "wide"); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("override not applied, 20 acquires took %v", elapsed)
	}

	if _, ok := r.Tokens()["wide"]; !ok {
		t.Fatal("expected wide in Tokens snapshot")
	}
}

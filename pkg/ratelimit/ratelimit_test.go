package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_NoBlockWhenZeroRPS(t *testing.T) {
	limiter := NewLimiter(0, 0.5)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("limiter with 0 RPS should not block")
	}
	if limiter.Interval() != 0 {
		t.Errorf("expected zero interval, got %v", limiter.Interval())
	}
}

func TestLimiter_NilIsUnlimited(t *testing.T) {
	var limiter *Limiter
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLimiter_Wait(t *testing.T) {
	rps := 10.0 // 100ms interval
	limiter := NewLimiter(rps, 0)

	ctx := context.Background()

	// The bucket starts full, so the first call returns immediately
	_ = limiter.Wait(ctx)

	start := time.Now()
	err := limiter.Wait(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	duration := time.Since(start)

	// It should take roughly 100ms
	if duration < 50*time.Millisecond || duration > 150*time.Millisecond {
		t.Errorf("expected wait around 100ms, took %v", duration)
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	limiter := NewLimiter(1, 0) // 1 second interval

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := limiter.Wait(ctx)
	if err == nil {
		t.Fatalf("expected context canceled error")
	}
}

func TestLimiter_Jitter(t *testing.T) {
	rps := 10.0                     // 100ms interval
	limiter := NewLimiter(rps, 0.5) // up to 50ms extra

	ctx := context.Background()

	_ = limiter.Wait(ctx)

	start := time.Now()
	_ = limiter.Wait(ctx)

	duration := time.Since(start)

	// The first call's jitter eats into the bucket delay, the second adds its own.
	// Allow some slack for goroutine scheduling.
	if duration < 40*time.Millisecond || duration > 300*time.Millisecond {
		t.Errorf("expected jittered wait to be roughly between 50ms and 150ms, took %v", duration)
	}
}

func TestNewLimiter_ClampsJitter(t *testing.T) {
	if l := NewLimiter(1, -3); l.jitter != 0 {
		t.Errorf("expected jitter clamped to 0, got %v", l.jitter)
	}
	if l := NewLimiter(1, 7); l.jitter != 1 {
		t.Errorf("expected jitter clamped to 1, got %v", l.jitter)
	}
	if l := NewLimiter(4, 0); l.Interval() != 250*time.Millisecond {
		t.Errorf("expected 250ms interval, got %v", l.Interval())
	}
}

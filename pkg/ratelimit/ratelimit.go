package ratelimit

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces outbound requests with a token bucket and optional jitter.
// It is safe for concurrent use by multiple goroutines.
type Limiter struct {
	bucket   *rate.Limiter
	jitter   float64 // 0.0 to 1.0
	interval time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter allowing rps requests per second with a burst
// of one. Jitter is clamped to [0, 1]. If rps is <= 0, Wait never blocks.
func NewLimiter(rps float64, jitter float64) *Limiter {
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}

	l := &Limiter{jitter: jitter, sleep: sleepCtx}
	if rps <= 0 {
		return l
	}

	l.bucket = rate.NewLimiter(rate.Limit(rps), 1)
	l.interval = time.Duration(float64(time.Second) / rps)
	return l
}

// Wait blocks until the next request may start or ctx is done. With jitter,
// up to jitter*interval of extra delay is added after the bucket releases.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.bucket == nil {
		return nil
	}

	if err := l.bucket.Wait(ctx); err != nil {
		return err
	}

	if l.jitter > 0 {
		extra := time.Duration(float64(l.interval) * l.jitter * rand.Float64())
		if extra > 0 {
			return l.sleep(ctx, extra)
		}
	}
	return nil
}

// Interval returns the minimum spacing between requests, zero when unlimited.
func (l *Limiter) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package scrape

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// One request slot roughly every 3.5s with a small burst keeps every
	// provider comfortably under the limits we have been throttled at.
	limiterInterval = 3500 * time.Millisecond
	limiterBurst    = 4
	maxJitter       = 2 * time.Second
)

// RateLimiter is a process-wide token bucket plus one bucket per provider
// kind. Acquisition applies uniform jitter so targets that unblock at the
// same instant don't stampede a provider.
type RateLimiter struct {
	global *rate.Limiter

	mu      sync.Mutex
	buckets map[Kind]*rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(rate.Every(limiterInterval), limiterBurst),
		buckets: make(map[Kind]*rate.Limiter),
		sleep:   sleepCtx,
	}
}

func (r *RateLimiter) bucket(kind Kind) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.buckets[kind]
	if !ok {
		lim = rate.NewLimiter(rate.Every(limiterInterval), limiterBurst)
		r.buckets[kind] = lim
	}
	return lim
}

// Wait blocks until both the global and the per-kind bucket grant a token,
// then sleeps up to 2s of jitter.
func (r *RateLimiter) Wait(ctx context.Context, kind Kind) error {
	if err := r.global.Wait(ctx); err != nil {
		return err
	}
	if err := r.bucket(kind).Wait(ctx); err != nil {
		return err
	}
	return r.sleep(ctx, time.Duration(rand.Int63n(int64(maxJitter))))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

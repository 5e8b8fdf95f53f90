package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Limiter spaces successive actions against one storefront. Each provider
// task holds its own limiter; hammering a vendor's search endpoint at
// goroutine speed is the fastest way to get the whole account flagged.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Jittered enforces a randomized delay between actions. The jitter keeps
// query timing from looking machine-generated.
type Jittered struct {
	minDelay time.Duration
	maxDelay time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewJittered(minDelay, maxDelay time.Duration) *Jittered {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Jittered{minDelay: minDelay, maxDelay: maxDelay}
}

// Wait blocks until the delay since the previous action has elapsed. The
// first call never blocks.
func (j *Jittered) Wait(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.last.IsZero() {
		if remaining := j.delay() - time.Since(j.last); remaining > 0 {
			timer := time.NewTimer(remaining)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	j.last = time.Now()
	return nil
}

func (j *Jittered) delay() time.Duration {
	if j.maxDelay == j.minDelay {
		return j.minDelay
	}
	return j.minDelay + time.Duration(rand.Int63n(int64(j.maxDelay-j.minDelay)))
}

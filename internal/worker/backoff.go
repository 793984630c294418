package worker

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes retry delays: exponential from BaseDelay, capped at
// MaxDelay, with full jitter.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a Backoff. A nil rng seeds one from the clock.
func NewBackoff(base, max time.Duration, rng *rand.Rand) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if max < base {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{BaseDelay: base, MaxDelay: max, rng: rng}
}

// Delay returns the wait before the next attempt. attempt is 1-based; values
// below 1 behave like 1.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.ceiling(attempt)

	b.mu.Lock()
	jitter := time.Duration(b.rng.Int63n(int64(delay) + 1))
	b.mu.Unlock()

	return jitter
}

// ceiling is min(BaseDelay * 2^(attempt-1), MaxDelay). Doubling stops once
// the next step would pass the cap, so it never overflows.
func (b *Backoff) ceiling(attempt int) time.Duration {
	d := b.BaseDelay
	for i := 1; i < attempt; i++ {
		if d > b.MaxDelay>>1 {
			return b.MaxDelay
		}
		d <<= 1
	}
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// NextRunAt is now plus Delay(attempt)
func (b *Backoff) NextRunAt(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt)).UTC()
}

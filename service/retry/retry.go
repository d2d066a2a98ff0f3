// Package retry computes the delay between attempts: exponential growth with
// jitter, capped at a ceiling.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MaxJitter bounds the random component added to every delay.
const MaxJitter = time.Second

const (
	maxShift    = 62
	maxDuration = time.Duration(1<<63 - 1)
)

// JitterSource returns a duration in [0, MaxJitter).
type JitterSource func() time.Duration

// Scheduler maps attempt numbers to delays. It is safe for concurrent use
// when its JitterSource is.
type Scheduler struct {
	jitter JitterSource
}

// NewScheduler creates a Scheduler. A nil source uses a time-seeded one.
func NewScheduler(jitter JitterSource) *Scheduler {
	if jitter == nil {
		jitter = NewSeededJitter(time.Now().UnixNano())
	}
	return &Scheduler{jitter: jitter}
}

// Delay returns min(base*2^(attempt-1) + jitter, ceiling). attempt is 1-based:
// attempt 1 is the wait before the second try.
func (s *Scheduler) Delay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base < 0 {
		base = 0
	}

	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}

	backoff := maxDuration
	if base <= maxDuration>>uint(shift) {
		backoff = base << uint(shift)
	}

	j := s.jitter()
	if j < 0 {
		j = 0
	}
	if j >= MaxJitter {
		j = MaxJitter - 1
	}

	delay := backoff + j
	if delay < backoff {
		delay = backoff
	}
	if ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	return delay
}

// NewSeededJitter returns a deterministic, goroutine-safe JitterSource.
func NewSeededJitter(seed int64) JitterSource {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Int63n(int64(MaxJitter)))
	}
}

// FixedJitter always returns d. Useful in tests.
func FixedJitter(d time.Duration) JitterSource {
	return func() time.Duration { return d }
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

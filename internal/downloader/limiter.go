package downloader

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// minBurst keeps the bucket large enough for one worker read buffer even at
// very low rates, so a single WaitN can always be satisfied.
const minBurst = 64 * 1024

// SpeedLimiter is a token bucket shared by every chunk worker in the
// process. Tokens are bytes; a limit of 0 disables throttling entirely.
// The underlying limiter queues waiters in request order, so no worker can
// starve its siblings of tokens.
type SpeedLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter // nil when unlimited
}

// NewSpeedLimiter creates a limiter bounded to bytesPerSec. 0 or negative
// means unlimited.
func NewSpeedLimiter(bytesPerSec int64) *SpeedLimiter {
	l := &SpeedLimiter{}
	l.SetLimit(bytesPerSec)

	return l
}

// SetLimit replaces the throughput ceiling at runtime. Workers pick up the
// new rate on their next wait.
func (l *SpeedLimiter) SetLimit(bytesPerSec int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bytesPerSec <= 0 {
		l.limiter = nil

		return
	}

	burst := int(bytesPerSec)
	if burst < minBurst {
		burst = minBurst
	}

	l.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Limit returns the current ceiling in bytes/sec, 0 when unlimited.
func (l *SpeedLimiter) Limit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiter == nil {
		return 0
	}

	return int64(l.limiter.Limit())
}

// WaitN blocks until n byte tokens are granted or the context is cancelled.
// Requests larger than the burst are granted in burst-sized installments.
func (l *SpeedLimiter) WaitN(ctx context.Context, n int) error {
	for n > 0 {
		l.mu.Lock()
		limiter := l.limiter
		l.mu.Unlock()

		if limiter == nil {
			return nil
		}

		take := n
		if burst := limiter.Burst(); take > burst {
			take = burst
		}

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}

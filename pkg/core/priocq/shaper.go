package priocq

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket shapes egress bytes per destination.
type TokenBucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	capacity int
	now      func() time.Time
}

// NewTokenBucket starts full. capacity <= 0 means one second of rate;
// ratePerSec <= 0 disables shaping.
func NewTokenBucket(ratePerSec, capacity int64) *TokenBucket {
	if capacity <= 0 {
		capacity = ratePerSec
	}
	b := &TokenBucket{capacity: int(capacity), now: time.Now}
	if ratePerSec > 0 {
		b.lim = rate.NewLimiter(rate.Limit(ratePerSec), int(capacity))
	}
	return b
}

// Allow tries to consume n tokens; if not enough, returns duration to wait.
// Requests larger than the capacity are clamped so they can eventually pass.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
	if b.lim == nil {
		return true, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	r := b.lim.ReserveN(now, int(min(n, int64(b.capacity))))
	if !r.OK() {
		return false, 0
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

package hub

import (
	"sync"
	"time"
)

// RateLimit bounds how many chat frames a single connection may publish.
// Burst frames are allowed at once; the bucket refills Burst tokens every
// RefillInterval.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

// tokenBucket throttles one connection's inbound frames.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
	now      func() time.Time
}

func newTokenBucket(limit RateLimit, now func() time.Time) *tokenBucket {
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	if limit.RefillInterval <= 0 {
		limit.RefillInterval = time.Second
	}
	if now == nil {
		now = time.Now
	}

	return &tokenBucket{
		tokens:   float64(limit.Burst),
		capacity: float64(limit.Burst),
		rate:     float64(limit.Burst) / limit.RefillInterval.Seconds(),
		last:     now(),
		now:      now,
	}
}

// allow consumes a token if one is available.
func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

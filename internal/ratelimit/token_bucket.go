// Package ratelimit caps how many signaling messages one connection may send.
package ratelimit

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// One token is 1e9 nano-tokens, so a fill rate of N tokens/sec adds exactly N
// nano-tokens per elapsed nanosecond and refill stays in integer math.
const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket starts full and refills at fillRate tokens/sec up to capacity.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := toNano(capacityTokens)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  max(fillRate, 0),
		available: capacity,
		last:      clock.Now(),
	}
}

// NewPerSecond allows a burst of perSecond messages and sustains perSecond
// messages per second after that.
func NewPerSecond(clock Clock, perSecond int) *TokenBucket {
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow takes tokens if they are all available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock that steps backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.fillRate == 0 {
		return
	}

	missing := b.capacity - b.available
	if missing <= 0 {
		return
	}
	// Compare before multiplying so elapsed*fillRate cannot overflow.
	if elapsed >= missing/b.fillRate+1 {
		b.available = b.capacity
		return
	}
	b.available = min(b.available+elapsed*b.fillRate, b.capacity)
}

func toNano(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > maxInt64/nanoPerToken:
		return maxInt64
	default:
		return tokens * nanoPerToken
	}
}

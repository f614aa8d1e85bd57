package ratelimit

import (
	"math"
	"sync"
	"time"
)

// nanoPerToken is the fixed-point scale: balances are kept in nano-tokens so
// that a rate of R tokens/sec accrues exactly R nano-tokens per nanosecond.
const nanoPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket driven by a Clock. It starts
// full.
type TokenBucket struct {
	clock Clock
	burst int64 // nano-tokens
	rate  int64 // tokens/sec, i.e. nano-tokens/ns

	mu      sync.Mutex
	balance int64 // nano-tokens
	last    time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	burst := toNano(capacityTokens)
	return &TokenBucket{
		clock:   clock,
		burst:   burst,
		rate:    max(fillRate, 0),
		balance: burst,
		last:    clock.Now(),
	}
}

// Allow spends tokens if the bucket holds them. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	ok, _ := b.Reserve(tokens)
	return ok
}

// Reserve is Allow that also reports, on refusal, how long until the bucket
// would hold enough tokens. The wait is 0 when the request can never succeed
// (more than the burst, or no refill).
func (b *TokenBucket) Reserve(tokens int64) (ok bool, wait time.Duration) {
	if tokens <= 0 {
		return true, 0
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.balance >= cost {
		b.balance -= cost
		return true, 0
	}
	if cost > b.burst || b.rate == 0 {
		return false, 0
	}
	missing := cost - b.balance
	return false, time.Duration((missing + b.rate - 1) / b.rate)
}

// Tokens reports the whole tokens currently available.
func (b *TokenBucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.clock.Now())
	return b.balance / nanoPerToken
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	b.last = now
	// A clock that steps backwards only rebases.
	if elapsed <= 0 || b.rate == 0 || b.balance >= b.burst {
		return
	}
	// Compare before multiplying so elapsed*rate cannot overflow.
	if int64(elapsed) >= (b.burst-b.balance)/b.rate {
		b.balance = b.burst
		return
	}
	b.balance = min(b.balance+int64(elapsed)*b.rate, b.burst)
}

func toNano(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > math.MaxInt64/nanoPerToken:
		return math.MaxInt64
	default:
		return tokens * nanoPerToken
	}
}

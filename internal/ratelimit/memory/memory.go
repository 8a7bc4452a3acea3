package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ideahub/ideahub/internal/ratelimit"
)

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	idleTTL    time.Duration // 0 = never evicted
	evicted    bool
}

// Limiter is the process-wide bucket registry. Every read-modify-write of a
// bucket happens under that bucket's mutex, so concurrent requests for the
// same key are serialized.
type Limiter struct {
	now     func() time.Time
	idleMul float64
	buckets sync.Map // key -> *bucket
	size    atomic.Int64
}

type Option func(*Limiter)

// WithClock replaces time.Now for Sweep and the janitor.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithIdleMultiplier evicts buckets left untouched for longer than m times
// their full-refill duration. m <= 0 disables eviction; values below 1 are
// raised to 1 so that only full buckets are ever dropped.
func WithIdleMultiplier(m float64) Option {
	return func(l *Limiter) {
		if m > 0 && m < 1 {
			m = 1
		}
		l.idleMul = m
	}
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Close() error { return nil }

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if err := p.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}
	ttl := l.idleTTL(p)

	for {
		v, ok := l.buckets.Load(key)
		if !ok {
			// first request for the key consumes one token of a full bucket
			tokens := p.Capacity - 1
			fresh := &bucket{
				tokens:     tokens,
				lastRefill: now,
				idleTTL:    ttl,
			}
			v, ok = l.buckets.LoadOrStore(key, fresh)
			if !ok {
				// fresh is shared from here on; only the local copy is safe to read
				l.size.Add(1)
				return ratelimit.Decision{Allowed: true, Tokens: tokens}, nil
			}
		}

		b := v.(*bucket)
		b.mu.Lock()
		if b.evicted {
			// lost a race with Sweep; the key is gone from the map
			b.mu.Unlock()
			continue
		}
		dec := b.take(p, now)
		b.idleTTL = ttl
		b.mu.Unlock()
		return dec, nil
	}
}

// take refills and tries to consume one token. b.mu must be held.
func (b *bucket) take(p ratelimit.Policy, now time.Time) ratelimit.Decision {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		// clock went backwards for this caller; don't rewind the bucket
		elapsed = 0
		now = b.lastRefill
	}

	candidate := b.tokens + elapsed*p.RefillPerSecond
	if candidate > p.Capacity {
		candidate = p.Capacity
	}
	b.lastRefill = now

	if candidate < 1 {
		b.tokens = candidate
		need := (1 - candidate) / p.RefillPerSecond
		return ratelimit.Decision{
			Allowed: false,
			Tokens:  candidate,
			Wait:    time.Duration(need * float64(time.Second)),
		}
	}

	b.tokens = candidate - 1
	return ratelimit.Decision{Allowed: true, Tokens: b.tokens}
}

func (l *Limiter) idleTTL(p ratelimit.Policy) time.Duration {
	if l.idleMul <= 0 {
		return 0
	}
	return time.Duration(l.idleMul * float64(p.FullRefill()))
}

// Tokens returns the stored token count for key without refilling it.
func (l *Limiter) Tokens(key string) (float64, bool) {
	v, ok := l.buckets.Load(key)
	if !ok {
		return 0, false
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens, true
}

// Len is the number of live buckets.
func (l *Limiter) Len() int {
	return int(l.size.Load())
}

// Sweep removes buckets idle for longer than their TTL and returns how many
// were removed. An evicted bucket would have been full by now, so removing it
// does not change any later decision.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if b.idleTTL > 0 && now.Sub(b.lastRefill) > b.idleTTL {
			if l.buckets.CompareAndDelete(k, b) {
				b.evicted = true
				l.size.Add(-1)
				removed++
			}
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

// StartJanitor sweeps every interval until ctx is done. onSweep, when set,
// receives the number of buckets removed by each pass.
func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 || l.idleMul <= 0 {
		return
	}

	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n := l.Sweep(l.now())
				if onSweep != nil {
					onSweep(n)
				}
			}
		}
	}()
}

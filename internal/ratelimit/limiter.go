package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidPolicy = errors.New("invalid rate limit policy")

type Policy struct {
	Capacity        float64 // max tokens (burst)
	RefillPerSecond float64 // steady-state admitted requests per second
}

// Validate reports whether p can back a bucket. Capacity below one would
// make the first request for a key inadmissible.
func (p Policy) Validate() error {
	if math.IsNaN(p.Capacity) || p.Capacity < 1 {
		return fmt.Errorf("%w: capacity %v must be >= 1", ErrInvalidPolicy, p.Capacity)
	}
	if math.IsNaN(p.RefillPerSecond) || p.RefillPerSecond <= 0 || math.IsInf(p.RefillPerSecond, 0) {
		return fmt.Errorf("%w: refill %v must be > 0", ErrInvalidPolicy, p.RefillPerSecond)
	}
	return nil
}

// FullRefill is how long an empty bucket takes to reach capacity.
func (p Policy) FullRefill() time.Duration {
	if p.RefillPerSecond <= 0 {
		return 0
	}
	return time.Duration(p.Capacity / p.RefillPerSecond * float64(time.Second))
}

type Decision struct {
	Allowed bool
	Tokens  float64       // tokens left in the bucket after this call
	Wait    time.Duration // time until one token is available (0 when allowed)
}

type Limiter interface {
	Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	Close() error
}

// Key builds the registry key for a client on a route.
func Key(clientID, route string) string {
	return clientID + ":" + route
}

// Package limiter throttles ledger appends per actor. The bucket state
// lives in Redis so every replica of the service sees the same budget.
package limiter

import "context"

// Policy is a token bucket: sustained requests per minute with a burst cap.
type Policy struct {
	RPM   int
	Burst int
}

// Store answers whether one more request fits the actor's budget.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

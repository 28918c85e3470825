// Package cache is the gateway to the key/value store holding encoded
// animations. It is best-effort: callers treat read errors as misses and
// never fail a render because a write failed.
package cache

import (
	"context"
	"time"
)

// DefaultTTL is how long an encoded animation stays cached.
const DefaultTTL = 600 * time.Second

// Gateway is the narrow get/set contract the render service needs.
// Implemented by Memory (single instance, tests) and Redis (prod).
type Gateway interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Package cache stores terminal results for the deduplication window.
//
// When a request reaches a terminal state while duplicates may still arrive,
// its final payload (complete response body or error envelope) is retained
// here for the remainder of the window. A late duplicate is then served the
// retained result instead of triggering a second upstream call.
//
// Two backends are available:
//   - RedisStore  — Redis-backed, shares the window across relay replicas.
//   - MemoryStore — in-process TTL store, zero external dependencies.
//     Ideal for single-instance deployments or local development.
//
// Both implement the Store interface so they are fully interchangeable.
package cache

import (
	"context"
	"time"
)

// Store holds terminal results keyed by request fingerprint.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

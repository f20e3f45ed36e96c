// Package dedup provides idempotency sets that suppress duplicate task
// results. Agents retry result delivery until acknowledged, so the same
// result can arrive more than once; the collector consults a Deduper to
// observe each execution exactly once.
package dedup

import (
	"context"
	"time"
)

// DefaultTTL bounds how long a seen key suppresses duplicates when the
// caller does not clear it explicitly.
const DefaultTTL = 10 * time.Minute

// Deduper is an idempotency set keyed by task ID. Seen atomically records
// the key, so exactly one caller observes false for a given key within the
// TTL window.
type Deduper interface {
	// Seen records the key and reports whether it was already present.
	Seen(ctx context.Context, key string) (bool, error)

	// Clear removes the key so the next arrival is treated as a first
	// delivery. Called when a task is dispatched again and a fresh result
	// is legitimate.
	Clear(ctx context.Context, key string) error

	// Close releases resources held by the set.
	Close() error
}

// Package cache defines the contract the gateway core uses to talk to
// the distributed counter store (C1, spec.md §2). Process bootstrap
// wires a concrete adapter (Redis, by default — see store_redis.go);
// every other component (rate limiter, schema mapper, credential
// validator) depends only on the Store interface, never on a client
// library type, following the teacher's repository-interface pattern
// (domain interface defined once, concrete adapter injected at main).
package cache

import (
	"context"
	"time"
)

// Store is the minimal set of atomic primitives spec.md's components
// need: scalar get/set/delete with TTL for the schema mapper's lookup
// fallback and the credential validator's blacklist/API-key cache, and
// sorted-set operations for the rate limiter's sliding window (Design
// Notes #4 — the sorted-set form is preferred over a scalar
// "count:timestamp" pair).
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key, if present.
	Delete(ctx context.Context, key string) error

	// ZAdd adds member with score to the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRemRangeByScore removes members scored within [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	// ZCard returns the cardinality of the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// ErrNotFound is returned by Get when key has no value (or has expired).
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "cache: key not found" }

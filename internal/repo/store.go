// Package repo implements the persistence layer for the outreach engine on
// top of a shared key-value store. The store is the only synchronization
// primitive in the system: every invariant is expressed as a sequence of
// independently-idempotent single-key writes, so no multi-key transactions
// are needed and multiple worker processes can share one store safely.
//
// This file defines the Store interface (atomic hash / set / sorted-set /
// list primitives with expiry). redis.go provides the production Redis
// implementation; memory.go provides a process-local implementation used by
// tests and local runs.
package repo

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a missing key or hash field.
var ErrNotFound = errors.New("not found")

// ErrEmpty indicates a blocking list pop that timed out with no element.
var ErrEmpty = errors.New("queue empty")

// ZMember is a sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the shared state store contract. All operations are single-key
// atomic. Implementations must be safe for concurrent use.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Hashes
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Sorted sets
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]ZMember, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Lists
	RPush(ctx context.Context, key string, values ...string) error
	LPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	BLPop(ctx context.Context, key string, timeout time.Duration) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	// Expiry
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Package distlock provides distributed locking so that only one worker
// instance runs winner selection for a test at a time. Redis is the
// preferred backend; PostgreSQL advisory locks are the fallback.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// A lock instance is owned by a single goroutine; concurrent use
// requires separate instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// NewLock creates a distributed lock using the best available backend.
// If redisClient is non-nil, uses Redis (cross-host safe with TTL expiry).
// Otherwise falls back to PostgreSQL advisory locks, which are released
// automatically if the DB session drops.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// RedisLock locks via SET NX with TTL. A random ownership token and a Lua
// release script prevent deleting a lock that expired and was re-acquired
// by another process.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLock creates a Redis-backed lock for the given key.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		token:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to acquire the lock. Returns true if successful.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release releases the lock only if we still own it.
func (l *RedisLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Result()
	return err
}

// PGAdvisoryLock implements DistLock using pg_try_advisory_lock with a
// lock ID derived from the key string.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock creates a PG advisory lock for the given key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire tries to acquire the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release releases the advisory lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// Package distlock guards the retry sweeps (orphan queue, DLQ) when more
// than one worker replica is running. A lock instance belongs to a single
// goroutine; share the queue, not the lock.
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

// DistLock is a non-blocking try-lock. Acquire reports whether this
// instance now holds the lock; callers that lose the race skip the work.
type DistLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// NewLock picks a backend: Redis when a client is available (cross-host,
// TTL-expired on crash), otherwise a PG advisory lock on the shared
// database (session-scoped, released when the connection drops).
func NewLock(rdb *redis.Client, db *sql.DB, name string, ttl time.Duration) DistLock {
	if rdb != nil {
		return newRedisLock(rdb, name, ttl)
	}
	return newAdvisoryLock(db, name)
}

type redisLock struct {
	rdb   *redis.Client
	key   string
	owner string
	ttl   time.Duration
}

func newRedisLock(rdb *redis.Client, name string, ttl time.Duration) *redisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &redisLock{
		rdb:   rdb,
		key:   "outreach:lock:" + name,
		owner: hex.EncodeToString(b),
		ttl:   ttl,
	}
}

func (l *redisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// releaseScript deletes the key only while we still own it, so a sweep
// that overran the TTL cannot release a successor's lock.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

func (l *redisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err()
}

type advisoryLock struct {
	db     *sql.DB
	lockID int64
}

func newAdvisoryLock(db *sql.DB, name string) *advisoryLock {
	h := fnv.New64a()
	h.Write([]byte(name))
	return &advisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *advisoryLock) Acquire(ctx context.Context) (bool, error) {
	var held bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&held)
	return held, err
}

func (l *advisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

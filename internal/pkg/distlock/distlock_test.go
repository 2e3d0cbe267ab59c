package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockMutualExclusion(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	a := newRedisLock(rdb, "sweep:dlq", time.Minute)
	b := newRedisLock(rdb, "sweep:dlq", time.Minute)

	held, err := a.Acquire(ctx)
	if err != nil || !held {
		t.Fatalf("first acquire: held=%v err=%v", held, err)
	}
	held, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if held {
		t.Fatal("second holder acquired a held lock")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	held, err = b.Acquire(ctx)
	if err != nil || !held {
		t.Fatalf("acquire after release: held=%v err=%v", held, err)
	}
}

func TestRedisLockReleaseOnlyByOwner(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	a := newRedisLock(rdb, "sweep:orphan", 50*time.Millisecond)
	if held, err := a.Acquire(ctx); err != nil || !held {
		t.Fatalf("acquire: held=%v err=%v", held, err)
	}

	// TTL expires, another replica takes over.
	mr.FastForward(time.Second)
	b := newRedisLock(rdb, "sweep:orphan", time.Minute)
	if held, err := b.Acquire(ctx); err != nil || !held {
		t.Fatalf("takeover acquire: held=%v err=%v", held, err)
	}

	// The stale holder's release must not evict the new owner.
	if err := a.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists("outreach:lock:sweep:orphan") {
		t.Fatal("stale holder released the successor's lock")
	}
}

func TestLockKeysAreIndependent(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	a := newRedisLock(rdb, "sweep:orphan", time.Minute)
	b := newRedisLock(rdb, "sweep:dlq", time.Minute)

	if held, _ := a.Acquire(ctx); !held {
		t.Fatal("orphan lock not acquired")
	}
	if held, _ := b.Acquire(ctx); !held {
		t.Fatal("dlq lock blocked by unrelated key")
	}
}

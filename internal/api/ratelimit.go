package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements a two-bucket sliding window: the previous
// window's count is weighted by how much of it still overlaps the sliding
// window, added to the current bucket, and compared against the limit.
// The increment only happens when the request is admitted, so rejected
// requests never extend a client's own lockout.
//
// KEYS[1] current bucket, KEYS[2] previous bucket.
// ARGV[1] limit, ARGV[2] window seconds, ARGV[3] seconds elapsed in the
// current window. Returns 1 when admitted, 0 when over the limit.
var slidingWindowScript = redis.NewScript(`
local curr = tonumber(redis.call('GET', KEYS[1]) or '0')
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
local window = tonumber(ARGV[2])
local weighted = prev * ((window - tonumber(ARGV[3])) / window) + curr
if weighted >= tonumber(ARGV[1]) then
	return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], window * 2)
return 1
`)

// slidingLimiter rate-limits per API key with one-minute windows in Redis.
type slidingLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

func newSlidingLimiter(rdb *redis.Client, perMinute int) *slidingLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &slidingLimiter{
		rdb:    rdb,
		limit:  perMinute,
		window: time.Minute,
		now:    time.Now,
	}
}

// Allow reports whether the key may proceed. When denied, retryAfter is
// the time until the current window rolls over.
func (l *slidingLimiter) Allow(ctx context.Context, keyID string) (bool, time.Duration, error) {
	if l.rdb == nil {
		return true, 0, nil
	}
	now := l.now()
	windowStart := now.Truncate(l.window)
	elapsed := now.Sub(windowStart)

	currKey := fmt.Sprintf("ratelimit:%s:%d", keyID, windowStart.Unix())
	prevKey := fmt.Sprintf("ratelimit:%s:%d", keyID, windowStart.Add(-l.window).Unix())

	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{currKey, prevKey},
		l.limit, int(l.window.Seconds()), elapsed.Seconds()).Int()
	if err != nil {
		return true, 0, err
	}
	if res == 0 {
		return false, l.window - elapsed, nil
	}
	return true, 0, nil
}

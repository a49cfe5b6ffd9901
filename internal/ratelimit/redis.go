package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the window counter and arms its expiry on the first
// hit. Returns {count, ttl_ms}.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisStore keeps window counters in Redis so several relay instances share
// one budget per key. Idle keys expire with their window.
type RedisStore struct {
	rdb    redis.Scripter
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a RedisStore. Keys are namespaced with prefix.
func NewRedisStore(rdb redis.Scripter, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key string, length time.Duration) (int64, time.Time, error) {
	res, err := incrScript.Run(ctx, s.rdb, []string{s.prefix + key}, length.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis incr %s: unexpected reply %v", key, res)
	}
	return res[0], s.now().Add(time.Duration(res[1]) * time.Millisecond), nil
}

package throttle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] counter, ARGV[1] limit, ARGV[2] window in ms.
var fixedWindow = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// RedisLimiter is a fixed-window counter shared by every process using rdb.
type RedisLimiter struct {
	rdb    redis.Scripter
	prefix string
	limit  int
	window time.Duration
}

func NewRedisLimiter(rdb redis.Scripter, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := fixedWindow.Run(ctx, l.rdb, []string{l.prefix + key}, l.limit, l.window.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RedisCooldown claims a slot with SET NX PX.
type RedisCooldown struct {
	rdb    redis.Cmdable
	prefix string
	window time.Duration
}

func NewRedisCooldown(rdb redis.Cmdable, prefix string, window time.Duration) *RedisCooldown {
	return &RedisCooldown{rdb: rdb, prefix: prefix, window: window}
}

func (c *RedisCooldown) Acquire(ctx context.Context, key string) (bool, error) {
	return c.rdb.SetNX(ctx, c.prefix+key, 1, c.window).Result()
}

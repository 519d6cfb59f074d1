package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// seenScript inserts ARGV[1] into the sorted set KEYS[1] unless present.
// Scores come from the counter KEYS[2] so eviction follows insertion
// order; the arrival time is kept in the hash KEYS[3].
var seenScript = redis.NewScript(`
	local set_key = KEYS[1]
	local seq_key = KEYS[2]
	local at_key = KEYS[3]
	local id = ARGV[1]
	local at = ARGV[2]
	local capacity = tonumber(ARGV[3])

	if redis.call('ZSCORE', set_key, id) then
		return 1
	end

	local n = redis.call('INCR', seq_key)
	redis.call('ZADD', set_key, n, id)
	redis.call('HSET', at_key, id, at)

	local size = redis.call('ZCARD', set_key)
	if size > capacity then
		local evicted = redis.call('ZRANGE', set_key, 0, size - capacity - 1)
		redis.call('ZREMRANGEBYRANK', set_key, 0, size - capacity - 1)
		for _, old in ipairs(evicted) do
			redis.call('HDEL', at_key, old)
		end
	end
	return 0
`)

// RedisWindow shares one dedupe window between restarts of the same
// instance.
type RedisWindow struct {
	client   *redis.Client
	key      string
	capacity int
	owned    bool
}

// NewRedisWindow connects to redisURL and verifies the connection.
func NewRedisWindow(redisURL, key string, capacity int) (*RedisWindow, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	w := NewRedisWindowWithClient(client, key, capacity)
	w.owned = true
	return w, nil
}

// NewRedisWindowWithClient uses an existing client; Close leaves it open.
func NewRedisWindowWithClient(client *redis.Client, key string, capacity int) *RedisWindow {
	if key == "" {
		key = "botgate:dedupe"
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &RedisWindow{client: client, key: key, capacity: capacity}
}

func (w *RedisWindow) Seen(ctx context.Context, id string, at time.Time) (bool, error) {
	keys := []string{w.key, w.key + ":seq", w.key + ":at"}
	res, err := seenScript.Run(ctx, w.client, keys, id, at.UnixMilli(), w.capacity).Int()
	if err != nil {
		return false, fmt.Errorf("dedupe check failed: %w", err)
	}
	return res == 1, nil
}

// ArrivedAt returns when id entered the window.
func (w *RedisWindow) ArrivedAt(ctx context.Context, id string) (time.Time, bool, error) {
	ms, err := w.client.HGet(ctx, w.key+":at", id).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("dedupe lookup failed: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (w *RedisWindow) Len(ctx context.Context) (int64, error) {
	return w.client.ZCard(ctx, w.key).Result()
}

func (w *RedisWindow) Close() error {
	if w.owned && w.client != nil {
		return w.client.Close()
	}
	return nil
}

// Package redis provides a Redis-backed FreeQuotaStore.
//
// Counters are stored in Redis hashes and mutated through Lua scripts, so
// the check-and-consume is atomic server-side and safe for multi-instance
// deployments. The daily reset is lazy: each row remembers its period and a
// consume under a newer period starts from zero.
package redis

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pixelforge/admitgate"
)

// Store is a Redis-backed FreeQuotaStore.
type Store struct {
	client    goredis.Cmdable
	cap       int64
	keyPrefix string
}

var _ admitgate.FreeQuotaStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "admitgate:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Redis-backed FreeQuotaStore with the given daily cap.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, dailyCap int64, opts ...Option) *Store {
	s := &Store{
		client:    client,
		cap:       dailyCap,
		keyPrefix: "admitgate:quota:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) counterKey(key admitgate.QuotaKey) string {
	return s.keyPrefix + key.AddressHash + ":" + key.Fingerprint
}

func (s *Store) refundKey(requestID string) string {
	return s.keyPrefix + "refund:" + requestID
}

// Rows expire two days after their last consumption; by then the period has
// rolled over and the row would read as zero anyway.
const counterTTLSeconds = 2 * 24 * 60 * 60

// consumeScript atomically consumes within the cap.
// KEYS[1] = counter hash key
// ARGV[1] = amount
// ARGV[2] = day key
// ARGV[3] = cap
// ARGV[4] = ttl seconds
//
// Returns 1 when consumed, 0 when the cap would be exceeded.
var consumeScript = goredis.NewScript(`
local amount = tonumber(ARGV[1])
local cap = tonumber(ARGV[3])

local consumed = 0
local day = redis.call("HGET", KEYS[1], "day")
if day == ARGV[2] then
    consumed = tonumber(redis.call("HGET", KEYS[1], "consumed") or "0")
end

if consumed + amount > cap then
    return 0
end

redis.call("HSET", KEYS[1], "day", ARGV[2], "consumed", tostring(consumed + amount))
redis.call("EXPIRE", KEYS[1], ARGV[4])
return 1
`)

// releaseScript atomically undoes a consumption, floored at zero and
// deduplicated by request id.
// KEYS[1] = counter hash key
// KEYS[2] = refund dedup key
// ARGV[1] = amount
// ARGV[2] = day key
// ARGV[3] = has_dedup ("1" or "0")
var releaseScript = goredis.NewScript(`
if ARGV[3] == "1" then
    local set = redis.call("SET", KEYS[2], "1", "NX", "EX", 86400)
    if not set then
        return 0
    end
end

local day = redis.call("HGET", KEYS[1], "day")
if day ~= ARGV[2] then
    return 1
end

local consumed = tonumber(redis.call("HGET", KEYS[1], "consumed") or "0") - tonumber(ARGV[1])
if consumed < 0 then
    consumed = 0
end
redis.call("HSET", KEYS[1], "consumed", tostring(consumed))
return 1
`)

// Remaining returns the unconsumed allowance for the key's period.
func (s *Store) Remaining(ctx context.Context, key admitgate.QuotaKey) (int64, error) {
	vals, err := s.client.HMGet(ctx, s.counterKey(key), "day", "consumed").Result()
	if err != nil {
		return 0, fmt.Errorf("admitgate/redis: remaining: %w", err)
	}

	day, _ := vals[0].(string)
	if day != string(key.Day) {
		return s.cap, nil
	}

	var consumed int64
	if raw, ok := vals[1].(string); ok {
		consumed, _ = strconv.ParseInt(raw, 10, 64)
	}
	if consumed >= s.cap {
		return 0, nil
	}
	return s.cap - consumed, nil
}

// TryConsume atomically consumes amount if the cap allows.
func (s *Store) TryConsume(ctx context.Context, key admitgate.QuotaKey, amount int64) error {
	res, err := consumeScript.Run(ctx, s.client,
		[]string{s.counterKey(key)},
		amount, string(key.Day), s.cap, counterTTLSeconds,
	).Int64()
	if err != nil {
		return fmt.Errorf("admitgate/redis: consume: %w", err)
	}
	if res == 0 {
		return admitgate.ErrInsufficientFreeQuota
	}
	return nil
}

// Release undoes a consumption after downstream failure.
func (s *Store) Release(ctx context.Context, key admitgate.QuotaKey, amount int64, requestID string) error {
	hasDedup := "0"
	refundKey := s.refundKey("-")
	if requestID != "" {
		hasDedup = "1"
		refundKey = s.refundKey(requestID)
	}

	_, err := releaseScript.Run(ctx, s.client,
		[]string{s.counterKey(key), refundKey},
		amount, string(key.Day), hasDedup,
	).Int64()
	if err != nil {
		return fmt.Errorf("admitgate/redis: release: %w", err)
	}
	return nil
}

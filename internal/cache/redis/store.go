// Package redis implements the cache store and sync checkpoints on Redis.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DamienDrash/webshop-product-search/internal/cache"
	"github.com/DamienDrash/webshop-product-search/pkg/breaker"
	"github.com/DamienDrash/webshop-product-search/pkg/database"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
)

// DefaultTimeout bounds each cache round trip.
const DefaultTimeout = 500 * time.Millisecond

// EpochKey holds the write epoch shared by every replica.
const EpochKey = "search:epoch"

// setIfEpoch writes KEYS[2] only while KEYS[1] still holds ARGV[1]. A missing
// epoch counts as "0". ARGV[3] is the TTL in milliseconds, 0 for none.
var setIfEpoch = redis.NewScript(`
local current = redis.call("GET", KEYS[1]) or "0"
if current ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ttl)
else
	redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

// Store implements cache.Store. Calls go through a circuit breaker so an
// unreachable Redis fails fast instead of adding its timeout to every query.
type Store struct {
	client  redis.Cmdable
	breaker *breaker.Breaker
	timeout time.Duration
}

var _ cache.Store = (*Store)(nil)

// NewStore creates a store. cb may be nil to call Redis unguarded.
func NewStore(client redis.Cmdable, cb *breaker.Breaker, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{client: client, breaker: cb, timeout: timeout}
}

// Get returns the value at key or cache.ErrCacheMiss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	miss := false
	err := s.do(ctx, "GET", func(ctx context.Context) error {
		v, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		data = v
		return err
	})
	if err != nil {
		return nil, apperrors.CacheUnavailable("get", err)
	}
	if miss {
		return nil, cache.ErrCacheMiss
	}
	return data, nil
}

// Set stores value at key. A ttl of 0 keeps it until deleted.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.do(ctx, "SET", func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return apperrors.CacheUnavailable("set", err)
	}
	return nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	err := s.do(ctx, "DEL", func(ctx context.Context) error {
		return s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return apperrors.CacheUnavailable("delete", err)
	}
	return nil
}

// Epoch returns the current write epoch.
func (s *Store) Epoch(ctx context.Context) (int64, error) {
	var epoch int64
	err := s.do(ctx, "GET", func(ctx context.Context) error {
		v, err := s.client.Get(ctx, EpochKey).Int64()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		epoch = v
		return err
	})
	if err != nil {
		return 0, apperrors.CacheUnavailable("epoch", err)
	}
	return epoch, nil
}

// AdvanceEpoch increments the write epoch.
func (s *Store) AdvanceEpoch(ctx context.Context) error {
	err := s.do(ctx, "INCR", func(ctx context.Context) error {
		return s.client.Incr(ctx, EpochKey).Err()
	})
	if err != nil {
		return apperrors.CacheUnavailable("advance epoch", err)
	}
	return nil
}

// SetIfEpoch stores value at key in one script call while the epoch equals
// epoch. Both keys must live on the same node.
func (s *Store) SetIfEpoch(ctx context.Context, key string, value []byte, ttl time.Duration, epoch int64) (bool, error) {
	var stored bool
	err := s.do(ctx, "EVALSHA", func(ctx context.Context) error {
		n, err := setIfEpoch.Run(ctx, s.client,
			[]string{EpochKey, key},
			strconv.FormatInt(epoch, 10), value, ttl.Milliseconds(),
		).Int()
		stored = n == 1
		return err
	})
	if err != nil {
		return false, apperrors.CacheUnavailable("set", err)
	}
	return stored, nil
}

// Ping checks connectivity. It bypasses the breaker so health checks see
// the real state of Redis.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperrors.CacheUnavailable("ping", err)
	}
	return nil
}

func (s *Store) do(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	ctx, end := database.Trace(ctx, database.SystemRedis, op, "")
	defer func() { end(err) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Do(func() error { return fn(ctx) })
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DamienDrash/webshop-product-search/internal/cache"
	"github.com/DamienDrash/webshop-product-search/pkg/database"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
)

// CheckpointKey is the hash holding one timestamp per sync mode.
const CheckpointKey = "sync:checkpoint"

// Checkpoints stores sync checkpoints in a Redis hash. Timestamps are
// RFC 3339 with nanoseconds.
type Checkpoints struct {
	client redis.Cmdable
	key    string
}

var _ cache.Checkpoints = (*Checkpoints)(nil)

// NewCheckpoints creates a checkpoint store under CheckpointKey.
func NewCheckpoints(client redis.Cmdable) *Checkpoints {
	return &Checkpoints{client: client, key: CheckpointKey}
}

// LastSuccess returns the checkpoint of mode.
func (c *Checkpoints) LastSuccess(ctx context.Context, mode string) (t time.Time, ok bool, err error) {
	ctx, end := database.Trace(ctx, database.SystemRedis, "HGET", "")
	defer func() { end(err) }()

	raw, err := c.client.HGet(ctx, c.key, mode).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, apperrors.CacheUnavailable("read checkpoint", err)
	}

	t, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse checkpoint %q: %w", raw, err)
	}
	return t, true, nil
}

// Record stores t as the checkpoint of mode.
func (c *Checkpoints) Record(ctx context.Context, mode string, t time.Time) (err error) {
	ctx, end := database.Trace(ctx, database.SystemRedis, "HSET", "")
	defer func() { end(err) }()

	if err := c.client.HSet(ctx, c.key, mode, t.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return apperrors.CacheUnavailable("record checkpoint", err)
	}
	return nil
}

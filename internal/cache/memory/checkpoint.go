package memory

import (
	"context"
	"sync"
	"time"

	"github.com/DamienDrash/webshop-product-search/internal/cache"
)

// Checkpoints keeps sync checkpoints in process memory. They are lost on
// restart, so the next incremental run falls back to its lookback window.
type Checkpoints struct {
	mu    sync.RWMutex
	times map[string]time.Time
}

var _ cache.Checkpoints = (*Checkpoints)(nil)

// NewCheckpoints creates an empty checkpoint store.
func NewCheckpoints() *Checkpoints {
	return &Checkpoints{times: make(map[string]time.Time)}
}

// LastSuccess returns the checkpoint of mode.
func (c *Checkpoints) LastSuccess(_ context.Context, mode string) (time.Time, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.times[mode]
	return t, ok, nil
}

// Record stores t for mode.
func (c *Checkpoints) Record(_ context.Context, mode string, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.times[mode] = t
	return nil
}

package cache

import (
	"context"
	"time"
)

// Checkpoints remembers when each sync mode last completed cleanly.
type Checkpoints interface {
	// LastSuccess returns the recorded time; ok is false if none exists.
	LastSuccess(ctx context.Context, mode string) (t time.Time, ok bool, err error)
	// Record stores t for mode.
	Record(ctx context.Context, mode string, t time.Time) error
}

// Package memory is an in-process product source for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
)

type entry struct {
	rec       domain.ProductRecord
	changedAt time.Time
}

// Reader holds product records with their last change time. Safe for
// concurrent use.
type Reader struct {
	mu      sync.RWMutex
	entries map[int64]entry
	err     error
}

// NewReader creates an empty reader.
func NewReader() *Reader {
	return &Reader{entries: make(map[int64]entry)}
}

// Put inserts or replaces rec as changed at changedAt.
func (r *Reader) Put(rec domain.ProductRecord, changedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[rec.ID] = entry{rec: rec, changedAt: changedAt}
}

// Delete removes the record with id.
func (r *Reader) Delete(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// FailWith makes every subsequent fetch fail with SourceUnavailable wrapping
// err. A nil err restores normal operation.
func (r *Reader) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// FetchAll returns every record ordered by id.
func (r *Reader) FetchAll(ctx context.Context) ([]domain.ProductRecord, error) {
	return r.fetch(ctx, "fetch all", func(entry) bool { return true })
}

// FetchChangedSince returns records changed strictly after since.
func (r *Reader) FetchChangedSince(ctx context.Context, since time.Time) ([]domain.ProductRecord, error) {
	return r.fetch(ctx, "fetch changed", func(e entry) bool { return e.changedAt.After(since) })
}

// Ping reports the injected failure, if any.
func (r *Reader) Ping(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return apperrors.SourceUnavailable("ping", r.err)
	}
	return nil
}

func (r *Reader) fetch(ctx context.Context, op string, keep func(entry) bool) ([]domain.ProductRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.SourceUnavailable(op, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return nil, apperrors.SourceUnavailable(op, r.err)
	}

	out := make([]domain.ProductRecord, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, e.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

package event

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DamienDrash/webshop-product-search/internal/cache"
	cachemem "github.com/DamienDrash/webshop-product-search/internal/cache/memory"
	"github.com/DamienDrash/webshop-product-search/internal/domain"
	idxmem "github.com/DamienDrash/webshop-product-search/internal/index/memory"
	srcmem "github.com/DamienDrash/webshop-product-search/internal/source/memory"
	"github.com/DamienDrash/webshop-product-search/internal/syncer"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
	pkgkafka "github.com/DamienDrash/webshop-product-search/pkg/kafka"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSyncer struct {
	mu           sync.Mutex
	incrementals int
	removed      []int64
	err          error
	outcome      domain.Outcome
}

func (f *fakeSyncer) IncrementalUpdate(context.Context) (*domain.SyncReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrementals++
	return f.report(domain.ModeIncremental), f.err
}

func (f *fakeSyncer) Remove(_ context.Context, id int64) (*domain.SyncReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.report(domain.ModeRemove), f.err
}

func (f *fakeSyncer) report(mode domain.SyncMode) *domain.SyncReport {
	outcome := f.outcome
	if outcome == "" {
		outcome = domain.OutcomeSuccess
	}
	return &domain.SyncReport{RunID: "run-1", Mode: mode, Outcome: outcome}
}

func newEvent(t *testing.T, eventType, key string, data any) *pkgkafka.Event {
	t.Helper()
	evt, err := pkgkafka.NewEvent(eventType, key, "dwh", data)
	require.NoError(t, err)
	return evt
}

func TestHandle_ChangedRunsIncrementalUpdate(t *testing.T) {
	fs := &fakeSyncer{}
	c := NewConsumer(fs, newTestLogger())

	require.NoError(t, c.Handle(context.Background(), newEvent(t, TopicProductChanged, "42", ProductChangedData{ID: 42})))
	require.NoError(t, c.Handle(context.Background(), newEvent(t, TopicProductChanged, "", nil)))
	assert.Equal(t, 2, fs.incrementals)
}

func TestHandle_ChangedPropagatesSyncErrors(t *testing.T) {
	fs := &fakeSyncer{err: apperrors.SourceUnavailable("fetch changed", errors.New("timeout")), outcome: domain.OutcomeFailed}
	c := NewConsumer(fs, newTestLogger())

	err := c.Handle(context.Background(), newEvent(t, TopicProductChanged, "42", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSourceUnavailable)
}

func TestHandle_ChangedWithBadPayload(t *testing.T) {
	fs := &fakeSyncer{}
	c := NewConsumer(fs, newTestLogger())
	evt := newEvent(t, TopicProductChanged, "42", nil)
	evt.Data = json.RawMessage(`"not an object"`)

	assert.Error(t, c.Handle(context.Background(), evt))
	assert.Zero(t, fs.incrementals)
}

func TestHandle_DeletedRemovesProduct(t *testing.T) {
	fs := &fakeSyncer{}
	c := NewConsumer(fs, newTestLogger())

	require.NoError(t, c.Handle(context.Background(), newEvent(t, TopicProductDeleted, "7", ProductDeletedData{ID: 7})))
	require.NoError(t, c.Handle(context.Background(), newEvent(t, TopicProductDeleted, "9", map[string]any{})))
	assert.Equal(t, []int64{7, 9}, fs.removed, "id falls back to the message key")
}

func TestHandle_DeletedErrors(t *testing.T) {
	t.Run("retryable error is returned", func(t *testing.T) {
		fs := &fakeSyncer{err: apperrors.IndexUnavailable("delete", errors.New("503"))}
		c := NewConsumer(fs, newTestLogger())
		err := c.Handle(context.Background(), newEvent(t, TopicProductDeleted, "7", ProductDeletedData{ID: 7}))
		assert.ErrorIs(t, err, apperrors.ErrIndexUnavailable)
	})

	t.Run("invalid id is dropped", func(t *testing.T) {
		fs := &fakeSyncer{err: apperrors.InvalidInput("product id must be positive")}
		c := NewConsumer(fs, newTestLogger())
		err := c.Handle(context.Background(), newEvent(t, TopicProductDeleted, "abc", map[string]any{}))
		assert.NoError(t, err)
	})

	t.Run("undecodable payload", func(t *testing.T) {
		fs := &fakeSyncer{}
		c := NewConsumer(fs, newTestLogger())
		evt := newEvent(t, TopicProductDeleted, "7", nil)
		evt.Data = json.RawMessage(`[1,2]`)
		assert.Error(t, c.Handle(context.Background(), evt))
		assert.Empty(t, fs.removed)
	})
}

func TestHandle_UnknownTypeIsIgnored(t *testing.T) {
	fs := &fakeSyncer{}
	c := NewConsumer(fs, newTestLogger())

	assert.NoError(t, c.Handle(context.Background(), newEvent(t, "dwh.category.changed", "1", nil)))
	assert.Zero(t, fs.incrementals)
	assert.Empty(t, fs.removed)
}

func TestHandle_WithCoordinatorAndIdempotency(t *testing.T) {
	ctx := context.Background()
	src := srcmem.NewReader()
	eng := idxmem.New()
	store := cachemem.NewStore()
	coord := syncer.New(src, eng, cache.NewLayer(store, time.Minute), cachemem.NewCheckpoints(), syncer.DefaultConfig(), newTestLogger())

	src.Put(domain.ProductRecord{ID: 1, Name: "Pro Deluxe"}, time.Now().Add(-time.Hour))
	src.Put(domain.ProductRecord{ID: 2, Name: "Basic"}, time.Now().Add(-time.Hour))
	_, err := coord.FullLoad(ctx)
	require.NoError(t, err)

	handler := pkgkafka.IdempotentHandler(pkgkafka.NewMemoryIdempotencyStore(time.Hour), NewConsumer(coord, newTestLogger()).Handle, newTestLogger())

	deleted := newEvent(t, TopicProductDeleted, "1", ProductDeletedData{ID: 1})
	require.NoError(t, handler(ctx, deleted))
	_, err = eng.Get(ctx, 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// Redelivery of the same event is skipped.
	require.NoError(t, handler(ctx, deleted))

	src.Put(domain.ProductRecord{ID: 3, Name: "Wand"}, time.Now())
	require.NoError(t, handler(ctx, newEvent(t, TopicProductChanged, "3", ProductChangedData{ID: 3})))
	doc, err := eng.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Wand", doc.Name)

	payload, err := store.Get(ctx, domain.CacheKey("Wand"))
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"id":3`)
}

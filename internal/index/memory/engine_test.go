package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
	"github.com/DamienDrash/webshop-product-search/internal/index"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
)

func strPtr(s string) *string { return &s }

func testDoc(id int64, name string) domain.IndexedDocument {
	return domain.NewIndexedDocument(domain.ProductRecord{
		ID:       id,
		Name:     name,
		Price:    "29.95",
		SKU:      "SKU-" + name,
		Brand:    strPtr("Satisfyer"),
		Category: strPtr("Toys"),
		EAN:      "4061504",
	}, domain.DefaultSuggestWeight)
}

func published(t *testing.T, docs ...domain.IndexedDocument) *Engine {
	t.Helper()
	ctx := context.Background()
	eng := New()
	gen, err := eng.EnsureSchema(ctx)
	require.NoError(t, err)
	for _, d := range docs {
		require.NoError(t, eng.Upsert(ctx, gen, d))
	}
	require.NoError(t, eng.Publish(ctx, gen))
	return eng
}

func TestEngine_UnpublishedGenerationIsInvisible(t *testing.T) {
	ctx := context.Background()
	eng := published(t, testDoc(1, "Pro Deluxe"))

	gen, err := eng.EnsureSchema(ctx)
	require.NoError(t, err)
	require.NoError(t, eng.Upsert(ctx, gen, testDoc(2, "Basic")))

	n, err := eng.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, eng.Generations())

	require.NoError(t, eng.Publish(ctx, gen))
	n, err = eng.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the new generation only holds what was loaded into it")
	assert.Equal(t, 1, eng.Generations())
	assert.Equal(t, gen, eng.LiveGeneration())
}

func TestEngine_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := published(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, eng.Upsert(ctx, index.Live, testDoc(1, "Pro Deluxe")))
	}
	n, err := eng.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_UpsertUnknownGeneration(t *testing.T) {
	err := New().Upsert(context.Background(), index.Live, testDoc(1, "x"))
	assert.ErrorIs(t, err, apperrors.ErrIndexUnavailable)
}

func TestEngine_GetAndDelete(t *testing.T) {
	ctx := context.Background()
	eng := published(t, testDoc(1, "Pro Deluxe"))

	doc, err := eng.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Pro Deluxe", doc.Name)

	require.NoError(t, eng.Delete(ctx, 1))
	require.NoError(t, eng.Delete(ctx, 1))

	_, err = eng.Get(ctx, 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEngine_DropRefusesLive(t *testing.T) {
	ctx := context.Background()
	eng := published(t)
	assert.ErrorIs(t, eng.Drop(ctx, eng.LiveGeneration()), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, eng.Drop(ctx, index.Live), apperrors.ErrInvalidInput)
}

func TestEngine_Bootstrap(t *testing.T) {
	ctx := context.Background()
	eng := New()
	require.NoError(t, eng.Bootstrap(ctx))
	live := eng.LiveGeneration()
	assert.NotEqual(t, index.Live, live)

	require.NoError(t, eng.Bootstrap(ctx))
	assert.Equal(t, live, eng.LiveGeneration())
}

func TestEngine_Search(t *testing.T) {
	ctx := context.Background()
	eng := published(t, testDoc(1, "Pro Deluxe"), testDoc(2, "Basic"), testDoc(3, "Pro 2 Vibration"))

	results, err := eng.Search(ctx, "pro", 20)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
	assert.Equal(t, int64(3), results[1].ID)

	results, err = eng.Search(ctx, "PRO deluxe", 20)
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = eng.Search(ctx, "satisfyer", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = eng.Search(ctx, "keyboard", 20)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Equal(t, 4, eng.SearchCalls())
}

func TestEngine_SearchWithoutLiveGeneration(t *testing.T) {
	_, err := New().Search(context.Background(), "pro", 20)
	assert.ErrorIs(t, err, apperrors.ErrIndexUnavailable)
}

func TestEngine_SuggestFuzzyPrefix(t *testing.T) {
	ctx := context.Background()
	eng := published(t, testDoc(1, "Pro Deluxe"), testDoc(2, "Basic"))

	opts, err := eng.Suggest(ctx, "Pr", 2, 10)
	require.NoError(t, err)
	var texts []string
	for _, o := range opts {
		texts = append(texts, o.Text)
	}
	assert.Contains(t, texts, "Pro Deluxe")

	opts, err = eng.Suggest(ctx, "Prp Del", 1, 10)
	require.NoError(t, err)
	require.Len(t, opts, 1)
	assert.Equal(t, "1", opts[0].ID)
	assert.InDelta(t, float64(domain.DefaultSuggestWeight), opts[0].Score, 0.001)
	assert.NotEmpty(t, opts[0].Source)

	opts, err = eng.Suggest(ctx, "zzzzzz", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, opts)
}

func TestFuzzyPrefix(t *testing.T) {
	tests := []struct {
		s, p  string
		edits int
		want  bool
	}{
		{"pro deluxe", "pro", 0, true},
		{"pro deluxe", "pri", 0, false},
		{"pro deluxe", "pri", 1, true},
		{"basic", "bsaic", 2, true},
		{"basic", "xyz", 2, false},
		{"abc", "", 0, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fuzzyPrefix([]rune(tt.s), []rune(tt.p), tt.edits), "%q ~ %q", tt.s, tt.p)
	}
}

func TestEngine_UpdateMapping(t *testing.T) {
	ctx := context.Background()
	eng := published(t)

	require.NoError(t, eng.UpdateMapping(ctx, map[string]any{index.SuggestField: index.SuggestFieldMapping()}))
	require.NoError(t, eng.UpdateMapping(ctx, map[string]any{"color": map[string]any{"type": "keyword"}}))

	err := eng.UpdateMapping(ctx, map[string]any{index.SuggestField: map[string]any{"type": "text"}})
	assert.ErrorIs(t, err, apperrors.ErrSchemaConflict)
}

func TestEngine_FaultInjection(t *testing.T) {
	ctx := context.Background()
	eng := published(t)
	boom := apperrors.IndexUnavailable("upsert", errors.New("boom"))

	eng.FailUpsertOf(2, boom)
	require.NoError(t, eng.Upsert(ctx, index.Live, testDoc(1, "a")))
	assert.ErrorIs(t, eng.Upsert(ctx, index.Live, testDoc(2, "b")), apperrors.ErrIndexUnavailable)

	eng.FailOn(OpSearch, boom)
	_, err := eng.Search(ctx, "a", 10)
	assert.Error(t, err)
	eng.FailOn(OpSearch, nil)
	_, err = eng.Search(ctx, "a", 10)
	assert.NoError(t, err)
}

func TestEngine_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	eng := published(t)

	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(2)
		go func(id int64) {
			defer wg.Done()
			_ = eng.Upsert(ctx, index.Live, testDoc(id, "Pro"))
		}(i)
		go func() {
			defer wg.Done()
			_, _ = eng.Search(ctx, "pro", 20)
		}()
	}
	wg.Wait()

	n, err := eng.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}

func TestEngine_LiveNames(t *testing.T) {
	ctx := context.Background()

	names, err := New().LiveNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	eng := published(t, testDoc(1, "Pro Deluxe"), testDoc(2, "Basic"))
	gen, err := eng.EnsureSchema(ctx)
	require.NoError(t, err)
	require.NoError(t, eng.Upsert(ctx, gen, testDoc(3, "Unpublished")))

	names, err = eng.LiveNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "Pro Deluxe", 2: "Basic"}, names)

	eng.FailOn(OpLiveNames, apperrors.IndexUnavailable("list", errors.New("down")))
	_, err = eng.LiveNames(ctx)
	assert.ErrorIs(t, err, apperrors.ErrIndexUnavailable)
}

// Package index defines the search index the sync path writes to and the
// query path reads from.
package index

import (
	"context"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
)

// Generation names one physical index build. Readers only ever see the
// generation the live alias points at.
type Generation string

// Live addresses whatever generation is currently published.
const Live Generation = ""

// Default query sizes.
const (
	DefaultSearchSize  = 20
	DefaultSuggestSize = 10
	DefaultFuzziness   = 2
)

// Writer maintains the product index.
type Writer interface {
	// EnsureSchema creates a fresh, unpublished generation carrying the
	// product mapping. An index with the same name is dropped first.
	EnsureSchema(ctx context.Context) (Generation, error)
	// Publish points the live alias at gen and drops older generations.
	Publish(ctx context.Context, gen Generation) error
	// Drop removes an unpublished generation.
	Drop(ctx context.Context, gen Generation) error
	// Upsert writes doc under its id, overwriting any previous version.
	Upsert(ctx context.Context, gen Generation, doc domain.IndexedDocument) error
	// Get returns the live document with id or a NotFound error.
	Get(ctx context.Context, id int64) (*domain.IndexedDocument, error)
	// Delete removes the live document with id. A missing document is not an error.
	Delete(ctx context.Context, id int64) error
	// UpdateMapping adds or updates field mappings on the live index
	// without touching documents.
	UpdateMapping(ctx context.Context, fields map[string]any) error
	// Count returns the number of live documents.
	Count(ctx context.Context) (int, error)
	// LiveNames returns the name of every live document keyed by id.
	// Nothing published yields an empty map.
	LiveNames(ctx context.Context) (map[int64]string, error)
	// Bootstrap publishes an empty generation when nothing is live yet.
	Bootstrap(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Searcher runs read queries against the live index.
type Searcher interface {
	// Search runs a lenient full-text query over the product text fields.
	Search(ctx context.Context, text string, size int) ([]domain.Result, error)
	// Suggest runs a fuzzy completion query on the name suggester.
	Suggest(ctx context.Context, prefix string, fuzziness, size int) ([]domain.Suggestion, error)
}

// Engine is an index that can be both written and searched.
type Engine interface {
	Writer
	Searcher
}

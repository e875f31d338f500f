// Package source reads product records from the warehouse, the source of
// truth for the search index.
package source

import (
	"context"
	"time"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
)

// Reader returns product snapshots. Implementations return
// apperrors.SourceUnavailable when the store cannot be queried and
// apperrors.MalformedRecord when a row cannot be mapped at all. Rows that
// map but fail validation are returned as-is for the caller to reject.
type Reader interface {
	// FetchAll returns every product in scope.
	FetchAll(ctx context.Context) ([]domain.ProductRecord, error)
	// FetchChangedSince returns products created or modified after since.
	FetchChangedSince(ctx context.Context, since time.Time) ([]domain.ProductRecord, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/DamienDrash/webshop-product-search/internal/cache"
	"github.com/DamienDrash/webshop-product-search/internal/domain"
	"github.com/DamienDrash/webshop-product-search/internal/index"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
	"github.com/DamienDrash/webshop-product-search/pkg/logger"
)

// SearchService answers product searches through the query cache and
// completion suggestions straight from the index.
type SearchService struct {
	searcher    index.Searcher
	cache       *cache.Layer
	logger      *slog.Logger
	searchSize  int
	suggestSize int
	fuzziness   int

	// misses collapses concurrent index queries for the same cache key.
	misses singleflight.Group
}

// Option configures a SearchService.
type Option func(*SearchService)

// WithSearchSize sets the maximum number of hits per search.
func WithSearchSize(n int) Option {
	return func(s *SearchService) {
		if n > 0 {
			s.searchSize = n
		}
	}
}

// WithSuggestSize sets the maximum number of completion options.
func WithSuggestSize(n int) Option {
	return func(s *SearchService) {
		if n > 0 {
			s.suggestSize = n
		}
	}
}

// NewSearchService creates a new search service.
func NewSearchService(searcher index.Searcher, layer *cache.Layer, logger *slog.Logger, opts ...Option) *SearchService {
	s := &SearchService{
		searcher:    searcher,
		cache:       layer,
		logger:      logger,
		searchSize:  index.DefaultSearchSize,
		suggestSize: index.DefaultSuggestSize,
		fuzziness:   index.DefaultFuzziness,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search returns the hits for query, served from the cache when an entry
// exists. Cache failures degrade to an index query and are never returned.
func (s *SearchService) Search(ctx context.Context, query string) ([]domain.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.InvalidQuery("query is required")
	}
	key := domain.CacheKey(query)
	log := logger.WithContext(ctx, s.logger).With(slog.String("cache_key", key))

	if results, ok := s.cached(ctx, log, key); ok {
		return results, nil
	}

	ch := s.misses.DoChan(key, func() (any, error) {
		// The shared query must not die with the first caller's request.
		qctx := context.WithoutCancel(ctx)

		// The epoch is read before the index so that a sync write landing
		// in between makes the result uncacheable.
		epoch, epochErr := s.cache.Epoch(qctx)
		if epochErr != nil {
			log.WarnContext(ctx, "cache epoch unreadable, result will not be cached", slog.String("error", epochErr.Error()))
		}

		results, err := s.searcher.Search(qctx, query, s.searchSize)
		if err != nil {
			return nil, err
		}
		if epochErr == nil {
			s.store(qctx, log, key, results, epoch)
		}
		return results, nil
	})

	select {
	case <-ctx.Done():
		return nil, apperrors.IndexUnavailable("search", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, searchErr("search", res.Err)
		}
		log.DebugContext(ctx, "search served from index", slog.Bool("shared", res.Shared))
		return res.Val.([]domain.Result), nil
	}
}

// store caches results unless a sync run wrote to the index after epoch.
func (s *SearchService) store(ctx context.Context, log *slog.Logger, key string, results []domain.Result, epoch int64) {
	stored, err := s.cache.SetIfCurrent(ctx, key, results, epoch)
	switch {
	case err != nil:
		log.WarnContext(ctx, "cache refresh after search failed", slog.String("error", err.Error()))
	case !stored:
		log.DebugContext(ctx, "search result superseded by sync, not cached")
	}
}

// cached returns the decoded entry for key. Unreadable or undecodable
// entries are treated as misses.
func (s *SearchService) cached(ctx context.Context, log *slog.Logger, key string) ([]domain.Result, bool) {
	payload, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		log.WarnContext(ctx, "cache lookup failed, querying index", slog.String("error", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var results []domain.Result
	if err := json.Unmarshal(payload, &results); err != nil {
		log.WarnContext(ctx, "discarding undecodable cache entry", slog.String("error", err.Error()))
		return nil, false
	}
	if results == nil {
		results = []domain.Result{}
	}
	return results, true
}

// Suggest returns completion options for prefix. A blank prefix yields no
// options without contacting the index.
func (s *SearchService) Suggest(ctx context.Context, prefix string) ([]domain.Suggestion, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return []domain.Suggestion{}, nil
	}

	options, err := s.searcher.Suggest(ctx, prefix, s.fuzziness, s.suggestSize)
	if err != nil {
		return nil, searchErr("suggest", err)
	}
	if options == nil {
		options = []domain.Suggestion{}
	}

	logger.WithContext(ctx, s.logger).DebugContext(ctx, "suggestions served",
		slog.String("prefix", prefix),
		slog.Int("options", len(options)),
	)
	return options, nil
}

// searchErr keeps classified index errors and maps everything else to
// IndexUnavailable.
func searchErr(op string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperrors.IndexUnavailable(op, err)
}

// Package syncer keeps the search index and the query cache in agreement
// with the warehouse.
//
// Every run holds a single sync lock, so a full load, an incremental update
// and a removal never interleave. A full load builds into an unpublished
// index generation and swaps it in at the end. Cache entries are written
// only after the index write they describe, and the entry under a product's
// previous name is invalidated when the name changes. The cache write epoch
// is advanced after every index write, before the cache is touched, so a
// query that read the index earlier cannot overwrite the refreshed entry.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DamienDrash/webshop-product-search/internal/cache"
	"github.com/DamienDrash/webshop-product-search/internal/domain"
	"github.com/DamienDrash/webshop-product-search/internal/index"
	"github.com/DamienDrash/webshop-product-search/internal/source"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
	"github.com/DamienDrash/webshop-product-search/pkg/logger"
	"github.com/DamienDrash/webshop-product-search/pkg/tracing"
)

const tracerName = "github.com/DamienDrash/webshop-product-search/internal/syncer"

// notifyTimeout bounds publishing the completion notice of a run.
const notifyTimeout = 5 * time.Second

// Config holds the coordinator tuning knobs.
type Config struct {
	SourceTimeout time.Duration
	IndexTimeout  time.Duration
	CacheTimeout  time.Duration
	// Lookback is the incremental window used when no checkpoint exists.
	Lookback      time.Duration
	SuggestWeight int
}

// DefaultConfig returns the default timeouts, a one hour lookback and the
// default suggest weight.
func DefaultConfig() Config {
	return Config{
		SourceTimeout: 60 * time.Second,
		IndexTimeout:  10 * time.Second,
		CacheTimeout:  500 * time.Millisecond,
		Lookback:      time.Hour,
		SuggestWeight: domain.DefaultSuggestWeight,
	}
}

// Notifier is told about every finished run.
type Notifier interface {
	SyncCompleted(ctx context.Context, report *domain.SyncReport) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics records run metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier publishes a notice after every run.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs full loads, incremental updates and removals.
type Coordinator struct {
	reader      source.Reader
	writer      index.Writer
	cache       *cache.Layer
	checkpoints cache.Checkpoints
	cfg         Config
	logger      *slog.Logger
	metrics     *Metrics
	notifier    Notifier
	now         func() time.Time
	tracer      trace.Tracer

	// lock is a single-slot semaphore so waiting can honor ctx.
	lock chan struct{}
}

// New creates a coordinator. Zero values in cfg fall back to DefaultConfig.
func New(
	reader source.Reader,
	writer index.Writer,
	layer *cache.Layer,
	checkpoints cache.Checkpoints,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	def := DefaultConfig()
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = def.SourceTimeout
	}
	if cfg.IndexTimeout <= 0 {
		cfg.IndexTimeout = def.IndexTimeout
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = def.CacheTimeout
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.SuggestWeight <= 0 {
		cfg.SuggestWeight = def.SuggestWeight
	}

	c := &Coordinator{
		reader:      reader,
		writer:      writer,
		cache:       layer,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		tracer:      tracing.Tracer(tracerName),
		lock:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FullLoad rebuilds the index from a full warehouse snapshot and warms the
// cache for every loaded product. The new generation is published only if
// at least one record was indexed or the warehouse returned nothing.
func (c *Coordinator) FullLoad(ctx context.Context) (*domain.SyncReport, error) {
	return c.run(ctx, domain.ModeFull, c.fullLoad)
}

// IncrementalUpdate applies products changed since the last clean run to
// the live index and refreshes their cache entries.
func (c *Coordinator) IncrementalUpdate(ctx context.Context) (*domain.SyncReport, error) {
	return c.run(ctx, domain.ModeIncremental, c.incrementalUpdate)
}

// Remove deletes one product from the live index and invalidates its
// cache entry.
func (c *Coordinator) Remove(ctx context.Context, id int64) (*domain.SyncReport, error) {
	if id <= 0 {
		return nil, apperrors.InvalidInput("product id must be positive")
	}
	return c.run(ctx, domain.ModeRemove, func(ctx context.Context, r *domain.SyncReport) error {
		return c.remove(ctx, r, id)
	})
}

// UpdateMapping re-applies the completion field mapping to the live index.
func (c *Coordinator) UpdateMapping(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	err := c.withIndex(ctx, func(ctx context.Context) error {
		return c.writer.UpdateMapping(ctx, map[string]any{index.SuggestField: index.SuggestFieldMapping()})
	})
	if err != nil {
		return indexErr("update mapping", err)
	}
	c.logger.InfoContext(ctx, "suggest mapping applied")
	return nil
}

type runFunc func(ctx context.Context, report *domain.SyncReport) error

func (c *Coordinator) run(ctx context.Context, mode domain.SyncMode, fn runFunc) (*domain.SyncReport, error) {
	report := &domain.SyncReport{RunID: uuid.NewString(), Mode: mode}
	ctx = logger.WithSyncRunID(ctx, report.RunID)
	ctx, span := c.tracer.Start(ctx, "sync."+string(mode), trace.WithAttributes(
		attribute.String("sync.run_id", report.RunID),
		attribute.String("sync.mode", string(mode)),
	))
	defer span.End()

	if err := c.acquire(ctx); err != nil {
		report.StartedAt = c.now()
		err = fmt.Errorf("wait for sync lock: %w", err)
		c.finish(ctx, span, report, err)
		return report, err
	}
	defer c.release()

	report.StartedAt = c.now()
	logger.WithContext(ctx, c.logger).InfoContext(ctx, "sync started", slog.String("mode", string(mode)))

	err := fn(ctx, report)
	c.finish(ctx, span, report, err)
	return report, err
}

func (c *Coordinator) fullLoad(ctx context.Context, report *domain.SyncReport) error {
	var gen index.Generation
	err := c.withIndex(ctx, func(ctx context.Context) (err error) {
		gen, err = c.writer.EnsureSchema(ctx)
		return err
	})
	if err != nil {
		return indexErr("ensure schema", err)
	}

	var records []domain.ProductRecord
	err = c.withSource(ctx, func(ctx context.Context) (err error) {
		records, err = c.reader.FetchAll(ctx)
		return err
	})
	if err != nil {
		c.drop(ctx, gen)
		return sourceErr("fetch all", err)
	}
	report.Fetched = len(records)

	var loaded []indexed
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			c.drop(ctx, gen)
			return indexErr("full load", err)
		}
		if doc, ok := c.indexRecord(ctx, report, gen, rec); ok {
			loaded = append(loaded, doc)
		}
	}

	if report.Fetched > 0 && report.Indexed == 0 {
		c.drop(ctx, gen)
		return nil
	}

	departed := c.departed(ctx, report, loaded)

	if err := c.withIndex(ctx, func(ctx context.Context) error { return c.writer.Publish(ctx, gen) }); err != nil {
		c.drop(ctx, gen)
		return indexErr("publish", err)
	}
	report.Published = true

	// Cache entries may only describe what readers can already see.
	c.advanceEpoch(ctx, report, 0)
	for _, key := range departed {
		if err := c.invalidate(ctx, key); err != nil {
			report.AddCacheFailure(0, err)
			logger.WithContext(ctx, c.logger).WarnContext(ctx, "failed to invalidate departed product",
				slog.String("cache_key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	markShared(loaded)
	for _, doc := range loaded {
		c.refreshCache(ctx, report, doc)
	}

	if report.Failed == 0 && report.CacheFailures == 0 {
		c.checkpoint(ctx, domain.ModeFull, report.StartedAt)
		c.checkpoint(ctx, domain.ModeIncremental, report.StartedAt)
	}
	return nil
}

func (c *Coordinator) incrementalUpdate(ctx context.Context, report *domain.SyncReport) error {
	windowStart := c.now()
	since := c.windowStart(ctx, windowStart)
	report.Since = &since

	var records []domain.ProductRecord
	err := c.withSource(ctx, func(ctx context.Context) (err error) {
		records, err = c.reader.FetchChangedSince(ctx, since)
		return err
	})
	if err != nil {
		return sourceErr("fetch changed", err)
	}
	report.Fetched = len(records)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return indexErr("incremental update", err)
		}
		if doc, ok := c.indexRecord(ctx, report, index.Live, rec); ok {
			c.advanceEpoch(ctx, report, doc.doc.ID)
			c.refreshCache(ctx, report, doc)
		}
	}

	if report.Failed == 0 && report.CacheFailures == 0 {
		c.checkpoint(ctx, domain.ModeIncremental, windowStart)
	}
	return nil
}

func (c *Coordinator) remove(ctx context.Context, report *domain.SyncReport, id int64) error {
	prior, err := c.prior(ctx, id)
	if err != nil {
		return indexErr("get", err)
	}

	if err := c.withIndex(ctx, func(ctx context.Context) error { return c.writer.Delete(ctx, id) }); err != nil {
		return indexErr("delete", err)
	}
	if prior == nil {
		return nil
	}

	report.Fetched = 1
	report.Indexed = 1
	c.advanceEpoch(ctx, report, id)
	if err := c.invalidate(ctx, domain.CacheKey(prior.Name)); err != nil {
		report.AddCacheFailure(id, err)
	}
	return nil
}

// indexed pairs a written document with the version readers saw before.
type indexed struct {
	doc   domain.IndexedDocument
	prior *domain.IndexedDocument
	// shared is set when another written document has the same name.
	shared bool
}

func markShared(docs []indexed) {
	count := make(map[string]int, len(docs))
	for _, w := range docs {
		count[w.doc.Name]++
	}
	for i := range docs {
		docs[i].shared = count[docs[i].doc.Name] > 1
	}
}

// indexRecord validates rec and upserts it into gen. Failures are counted
// on report and the caller moves on to the next record.
func (c *Coordinator) indexRecord(ctx context.Context, report *domain.SyncReport, gen index.Generation, rec domain.ProductRecord) (indexed, bool) {
	log := logger.WithContext(ctx, c.logger)

	if err := rec.Validate(); err != nil {
		report.AddFailure(rec.ID, "validate", apperrors.MalformedRecord(fmt.Sprintf("product %d rejected", rec.ID), err))
		log.WarnContext(ctx, "skipping malformed record", slog.Int64("product_id", rec.ID), slog.String("error", err.Error()))
		return indexed{}, false
	}

	prior, err := c.prior(ctx, rec.ID)
	if err != nil {
		// Without the prior name a rename would orphan the old cache key.
		report.AddCacheFailure(rec.ID, err)
		log.WarnContext(ctx, "prior document lookup failed", slog.Int64("product_id", rec.ID), slog.String("error", err.Error()))
	}

	doc := domain.NewIndexedDocument(rec, c.cfg.SuggestWeight)
	if err := c.withIndex(ctx, func(ctx context.Context) error { return c.writer.Upsert(ctx, gen, doc) }); err != nil {
		report.AddFailure(rec.ID, "index", indexErr("upsert", err))
		log.WarnContext(ctx, "failed to index record", slog.Int64("product_id", rec.ID), slog.String("error", err.Error()))
		return indexed{}, false
	}
	report.Indexed++
	return indexed{doc: doc, prior: prior}, true
}

// departed returns the cache keys of live products that the generation
// about to be published no longer holds. Names still carried by a loaded
// product are left to refreshCache.
func (c *Coordinator) departed(ctx context.Context, report *domain.SyncReport, loaded []indexed) []string {
	var live map[int64]string
	err := c.withIndex(ctx, func(ctx context.Context) (err error) {
		live, err = c.writer.LiveNames(ctx)
		return err
	})
	if err != nil {
		// Entries of removed products stay until they expire.
		report.AddCacheFailure(0, err)
		logger.WithContext(ctx, c.logger).WarnContext(ctx, "live product names unreadable", slog.String("error", err.Error()))
		return nil
	}

	kept := make(map[int64]bool, len(loaded))
	names := make(map[string]bool, len(loaded))
	for _, w := range loaded {
		kept[w.doc.ID] = true
		names[w.doc.Name] = true
	}
	seen := make(map[string]bool)
	var keys []string
	for id, name := range live {
		if kept[id] || names[name] || seen[name] {
			continue
		}
		seen[name] = true
		keys = append(keys, domain.CacheKey(name))
	}
	return keys
}

// advanceEpoch records that the index changed. When it fails a query still
// in flight may cache what it read before the write, so the record counts
// as a cache failure and the checkpoint stays put.
func (c *Coordinator) advanceEpoch(ctx context.Context, report *domain.SyncReport, id int64) {
	err := c.withCache(ctx, func(ctx context.Context) error { return c.cache.AdvanceEpoch(ctx) })
	if err == nil {
		return
	}
	report.AddCacheFailure(id, err)
	logger.WithContext(ctx, c.logger).WarnContext(ctx, "failed to advance cache epoch",
		slog.Int64("product_id", id),
		slog.String("error", err.Error()),
	)
}

// refreshCache brings the cache in line with an index write: the entry
// under a previous name is dropped and the entry under the current name is
// replaced, or dropped if it cannot be replaced. An entry that lists
// another product under the same name is dropped rather than overwritten.
func (c *Coordinator) refreshCache(ctx context.Context, report *domain.SyncReport, w indexed) {
	log := logger.WithContext(ctx, c.logger)
	id := w.doc.ID

	if w.prior != nil && w.prior.Name != w.doc.Name {
		if err := c.invalidate(ctx, domain.CacheKey(w.prior.Name)); err != nil {
			report.AddCacheFailure(id, err)
			log.WarnContext(ctx, "failed to invalidate renamed product", slog.Int64("product_id", id), slog.String("error", err.Error()))
		}
	}

	key := domain.CacheKey(w.doc.Name)
	setErr := errSharedKey
	if !w.shared {
		setErr = c.ownedBy(ctx, key, id)
	}
	if setErr == nil {
		setErr = c.withCache(ctx, func(ctx context.Context) error {
			return c.cache.Set(ctx, key, []domain.Result{w.doc.Result()})
		})
	}
	if setErr == nil {
		return
	}
	if err := c.invalidate(ctx, key); err != nil {
		report.AddCacheFailure(id, errors.Join(setErr, err))
		log.WarnContext(ctx, "cache entry may be stale", slog.Int64("product_id", id), slog.String("error", setErr.Error()))
		return
	}
	log.DebugContext(ctx, "cache entry invalidated instead of refreshed", slog.Int64("product_id", id), slog.String("error", setErr.Error()))
}

// errSharedKey marks a cache entry that also lists other products.
var errSharedKey = errors.New("cache entry shared with other products")

// ownedBy reports whether key may be replaced with an entry for id alone.
// It returns errSharedKey when the current entry lists any other product.
func (c *Coordinator) ownedBy(ctx context.Context, key string, id int64) error {
	var (
		payload []byte
		ok      bool
	)
	err := c.withCache(ctx, func(ctx context.Context) (err error) {
		payload, ok, err = c.cache.Get(ctx, key)
		return err
	})
	if err != nil || !ok {
		return err
	}
	var results []domain.Result
	if json.Unmarshal(payload, &results) != nil {
		return nil
	}
	for _, r := range results {
		if r.ID != id {
			return errSharedKey
		}
	}
	return nil
}

func (c *Coordinator) invalidate(ctx context.Context, key string) error {
	return c.withCache(ctx, func(ctx context.Context) error { return c.cache.Invalidate(ctx, key) })
}

// prior returns the live document with id, or nil if there is none.
func (c *Coordinator) prior(ctx context.Context, id int64) (*domain.IndexedDocument, error) {
	var doc *domain.IndexedDocument
	err := c.withIndex(ctx, func(ctx context.Context) (err error) {
		doc, err = c.writer.Get(ctx, id)
		return err
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

// windowStart returns the lower bound of an incremental run: the last clean
// run's start, or now minus the lookback when there is none.
func (c *Coordinator) windowStart(ctx context.Context, now time.Time) time.Time {
	fallback := now.Add(-c.cfg.Lookback)
	if c.checkpoints == nil {
		return fallback
	}

	var (
		t  time.Time
		ok bool
	)
	err := c.withCache(ctx, func(ctx context.Context) (err error) {
		t, ok, err = c.checkpoints.LastSuccess(ctx, string(domain.ModeIncremental))
		return err
	})
	if err != nil {
		logger.WithContext(ctx, c.logger).WarnContext(ctx, "checkpoint unreadable, using lookback window",
			slog.Duration("lookback", c.cfg.Lookback),
			slog.String("error", err.Error()),
		)
		return fallback
	}
	if !ok {
		return fallback
	}
	return t
}

func (c *Coordinator) checkpoint(ctx context.Context, mode domain.SyncMode, t time.Time) {
	if c.checkpoints == nil {
		return
	}
	err := c.withCache(ctx, func(ctx context.Context) error {
		return c.checkpoints.Record(ctx, string(mode), t)
	})
	if err != nil {
		logger.WithContext(ctx, c.logger).WarnContext(ctx, "failed to record checkpoint",
			slog.String("mode", string(mode)),
			slog.String("error", err.Error()),
		)
	}
}

// drop removes an unpublished generation. Failure only leaves garbage that
// the next publish cleans up.
func (c *Coordinator) drop(ctx context.Context, gen index.Generation) {
	ctx = context.WithoutCancel(ctx)
	if err := c.withIndex(ctx, func(ctx context.Context) error { return c.writer.Drop(ctx, gen) }); err != nil {
		logger.WithContext(ctx, c.logger).WarnContext(ctx, "failed to drop unpublished generation",
			slog.String("generation", string(gen)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, report *domain.SyncReport, err error) {
	report.Finish(c.now(), err)
	c.metrics.observe(report)

	span.SetAttributes(
		attribute.Int("sync.fetched", report.Fetched),
		attribute.Int("sync.indexed", report.Indexed),
		attribute.Int("sync.failed", report.Failed),
		attribute.Int("sync.cache_failures", report.CacheFailures),
		attribute.String("sync.outcome", string(report.Outcome)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	level := slog.LevelInfo
	switch report.Outcome {
	case domain.OutcomePartial:
		level = slog.LevelWarn
	case domain.OutcomeFailed:
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("mode", string(report.Mode)),
		slog.String("outcome", string(report.Outcome)),
		slog.Int("fetched", report.Fetched),
		slog.Int("indexed", report.Indexed),
		slog.Int("failed", report.Failed),
		slog.Int("cache_failures", report.CacheFailures),
		slog.Duration("duration", report.Duration()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.WithContext(ctx, c.logger).LogAttrs(ctx, level, "sync finished", attrs...)

	if c.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if nerr := c.notifier.SyncCompleted(nctx, report); nerr != nil {
		logger.WithContext(ctx, c.logger).WarnContext(ctx, "failed to publish sync notice", slog.String("error", nerr.Error()))
	}
}

func (c *Coordinator) acquire(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
		c.metrics.setRunning(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) release() {
	c.metrics.setRunning(false)
	<-c.lock
}

func (c *Coordinator) withSource(ctx context.Context, fn func(context.Context) error) error {
	return within(ctx, c.cfg.SourceTimeout, fn)
}

func (c *Coordinator) withIndex(ctx context.Context, fn func(context.Context) error) error {
	return within(ctx, c.cfg.IndexTimeout, fn)
}

func (c *Coordinator) withCache(ctx context.Context, fn func(context.Context) error) error {
	return within(ctx, c.cfg.CacheTimeout, fn)
}

func within(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}

// sourceErr and indexErr keep classified errors as they are and map
// anything else, deadlines included, to the matching unavailability.
func sourceErr(op string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.SourceUnavailable(op, err)
}

func indexErr(op string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.IndexUnavailable(op, err)
}

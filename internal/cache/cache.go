// Package cache stores serialized query results. The store underneath only
// accepts bytes, so every payload is encoded explicitly before it is
// written.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
)

// DefaultTTL is the lifetime of a cache entry.
const DefaultTTL = 15 * time.Minute

// ErrCacheMiss is returned by a Store when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// Store is a byte-oriented key-value store with expiry. A ttl of 0 keeps
// the entry until it is deleted.
//
// The store also holds a write epoch. The sync path advances it after every
// index write, and read-through writes made with SetIfEpoch only land while
// the epoch they started from is still current.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error

	// Epoch returns the current write epoch, 0 when it was never advanced.
	Epoch(ctx context.Context) (int64, error)
	// AdvanceEpoch increments the write epoch.
	AdvanceEpoch(ctx context.Context) error
	// SetIfEpoch atomically stores value at key if the epoch still equals
	// epoch. ok is false when the write was refused.
	SetIfEpoch(ctx context.Context, key string, value []byte, ttl time.Duration, epoch int64) (ok bool, err error)
}

// Encode converts payload to its stored form. Byte slices, strings and
// scalars are stored as they are; everything else is JSON-encoded. A value
// JSON cannot represent yields a SerializationError.
func Encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, apperrors.Serialization(errors.New("nil payload"))
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	case bool:
		return strconv.AppendBool(nil, v), nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), nil
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Serialization(err)
	}
	return data, nil
}

// Metrics counts cache lookups and writes by result.
type Metrics struct {
	requests *prometheus.CounterVec
}

// NewMetrics creates the cache collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_cache_requests_total",
			Help: "Cache operations by operation and result.",
		}, []string{"op", "result"}),
	}
	reg.MustRegister(m.requests)
	return m
}

func (m *Metrics) inc(op, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, result).Inc()
}

// Layer is the cache as seen by the sync and query paths.
type Layer struct {
	store   Store
	ttl     time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures a Layer.
type Option func(*Layer)

// WithMetrics records hit, miss and error counts.
func WithMetrics(m *Metrics) Option {
	return func(l *Layer) { l.metrics = m }
}

// WithLogger sets the layer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) { l.logger = logger }
}

// NewLayer creates a layer writing entries with ttl. A ttl of 0 disables expiry.
func NewLayer(store Store, ttl time.Duration, opts ...Option) *Layer {
	l := &Layer{store: store, ttl: ttl, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	if ttl <= 0 {
		l.ttl = 0
		l.logger.Warn("cache entries never expire, stale results are only replaced by sync")
	}
	return l
}

// TTL returns the lifetime given to new entries.
func (l *Layer) TTL() time.Duration {
	return l.ttl
}

// Get returns the stored payload. ok is false on a miss. Store failures are
// returned as CacheUnavailable.
func (l *Layer) Get(ctx context.Context, key string) (payload []byte, ok bool, err error) {
	data, err := l.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrCacheMiss):
		l.metrics.inc("get", "miss")
		return nil, false, nil
	case err != nil:
		l.metrics.inc("get", "error")
		return nil, false, unavailable("get", err)
	}
	l.metrics.inc("get", "hit")
	return data, true, nil
}

// Set encodes payload and stores it under key with the layer TTL. The store
// is not touched when encoding fails.
func (l *Layer) Set(ctx context.Context, key string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		l.metrics.inc("set", "serialization_error")
		return err
	}
	if err := l.store.Set(ctx, key, data, l.ttl); err != nil {
		l.metrics.inc("set", "error")
		return unavailable("set", err)
	}
	l.metrics.inc("set", "ok")
	return nil
}

// Epoch returns the current write epoch. Read it before querying the index
// and pass it to SetIfCurrent.
func (l *Layer) Epoch(ctx context.Context) (int64, error) {
	epoch, err := l.store.Epoch(ctx)
	if err != nil {
		l.metrics.inc("epoch", "error")
		return 0, unavailable("epoch", err)
	}
	return epoch, nil
}

// AdvanceEpoch marks that the index changed. Read-through writes that
// started from an older epoch are refused from now on.
func (l *Layer) AdvanceEpoch(ctx context.Context) error {
	if err := l.store.AdvanceEpoch(ctx); err != nil {
		l.metrics.inc("advance_epoch", "error")
		return unavailable("advance epoch", err)
	}
	return nil
}

// SetIfCurrent encodes payload and stores it under key only if no index
// write happened since epoch was read. stored is false when the write was
// refused as superseded.
func (l *Layer) SetIfCurrent(ctx context.Context, key string, payload any, epoch int64) (stored bool, err error) {
	data, err := Encode(payload)
	if err != nil {
		l.metrics.inc("set_if_current", "serialization_error")
		return false, err
	}
	stored, err = l.store.SetIfEpoch(ctx, key, data, l.ttl, epoch)
	switch {
	case err != nil:
		l.metrics.inc("set_if_current", "error")
		return false, unavailable("set", err)
	case !stored:
		l.metrics.inc("set_if_current", "superseded")
	default:
		l.metrics.inc("set_if_current", "ok")
	}
	return stored, nil
}

// Invalidate deletes keys. Missing keys are not an error.
func (l *Layer) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := l.store.Delete(ctx, keys...); err != nil {
		l.metrics.inc("delete", "error")
		return unavailable("delete", err)
	}
	l.metrics.inc("delete", "ok")
	return nil
}

// Ping checks the store.
func (l *Layer) Ping(ctx context.Context) error {
	if err := l.store.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, apperrors.ErrCacheUnavailable) {
		return err
	}
	return apperrors.CacheUnavailable(op, err)
}

// Package breaker wraps sony/gobreaker with logging and prometheus state
// reporting for calls to optional dependencies such as the query cache.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned without calling through while the breaker is open.
var ErrOpen = gobreaker.ErrOpenState

// ErrTooManyRequests is returned when the half-open trial quota is used up.
var ErrTooManyRequests = gobreaker.ErrTooManyRequests

// Config holds configuration for a breaker.
type Config struct {
	// Name identifies this breaker in metrics and logs.
	Name string

	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32

	// Interval clears the failure counts while closed. 0 never clears them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// FailureRatio trips the breaker once MinRequests calls have been counted.
	FailureRatio float64
	MinRequests  uint32

	// IsFailure classifies errors. Nil counts every non-nil error except
	// context.Canceled, which is the caller giving up rather than the
	// dependency failing.
	IsFailure func(error) bool
}

// DefaultConfig returns defaults for a latency-sensitive optional dependency.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      15 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// Metrics holds the breaker collectors. One instance can serve many breakers.
type Metrics struct {
	state    *prometheus.GaugeVec
	rejected *prometheus.CounterVec
}

// NewMetrics creates the breaker collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "search_circuit_breaker_state",
			Help: "Current breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_circuit_breaker_rejected_total",
			Help: "Calls rejected without reaching the dependency.",
		}, []string{"name"}),
	}
	reg.MustRegister(m.state, m.rejected)
	return m
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Breaker guards calls to a single dependency.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker[struct{}]
	name    string
	metrics *Metrics
}

// New creates a breaker. metrics may be nil.
func New(cfg Config, logger *slog.Logger, metrics *Metrics) *Breaker {
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if metrics != nil {
				metrics.state.WithLabelValues(name).Set(stateValue(to))
			}
		},
	}

	if metrics != nil {
		metrics.state.WithLabelValues(cfg.Name).Set(0)
	}

	return &Breaker{
		cb:      gobreaker.NewCircuitBreaker[struct{}](settings),
		name:    cfg.Name,
		metrics: metrics,
	}
}

// Do runs fn through the breaker. While open, fn is not called and ErrOpen
// is returned. Errors from fn are returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if b.metrics != nil && (errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyRequests)) {
		b.metrics.rejected.WithLabelValues(b.name).Inc()
	}
	return err
}

// State returns the current state of the breaker.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Rejected reports whether err came from the breaker rather than the dependency.
func Rejected(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyRequests)
}

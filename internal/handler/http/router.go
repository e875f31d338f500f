package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DamienDrash/webshop-product-search/internal/service"
	"github.com/DamienDrash/webshop-product-search/pkg/health"
	"github.com/DamienDrash/webshop-product-search/pkg/middleware"
)

// DefaultRequestTimeout bounds the public query endpoints.
const DefaultRequestTimeout = 30 * time.Second

// RouterConfig holds everything NewRouter mounts.
type RouterConfig struct {
	SearchService *service.SearchService
	Syncer        Syncer
	Health        *health.Handler
	Logger        *slog.Logger

	// Registry receives the HTTP collectors and backs /metrics.
	Registry *prometheus.Registry
	CORS     middleware.CORSConfig

	// AdminCIDRs may reach /admin and, when enabled, /debug/pprof.
	AdminCIDRs     []string
	PprofEnabled   bool
	RequestTimeout time.Duration

	// UpdatePerMinute and UpdateBurst limit /update per client IP. Zero disables the limit.
	UpdatePerMinute int
	UpdateBurst     int
	// TrustedProxies are the ranges whose X-Forwarded-For is believed.
	TrustedProxies []string
}

// NewRouter creates a chi router with all routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing())
	r.Use(middleware.RequestLogger(logger))
	if cfg.Registry != nil {
		r.Use(middleware.NewHTTPMetrics(cfg.Registry).Middleware)
	}

	// Health check endpoints
	r.Get("/health/live", cfg.Health.LivenessHandler())
	r.Get("/health/ready", cfg.Health.ReadinessHandler())
	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{Registry: cfg.Registry}))
	}

	searchHandler := NewSearchHandler(cfg.SearchService, logger)
	syncHandler := NewSyncHandler(cfg.Syncer, logger)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(cfg.RequestTimeout))
		r.Get("/search", searchHandler.Search)
		r.Get("/suggestions", searchHandler.Suggest)
	})

	// Sync runs are bounded by the coordinator's own timeouts.
	r.With(middleware.RateLimit(cfg.UpdatePerMinute, cfg.UpdateBurst, cfg.TrustedProxies, logger)).
		Get("/update", syncHandler.Update)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.IPAllowlist(cfg.AdminCIDRs, logger))
		r.Post("/reindex", syncHandler.Reindex)
		r.Delete("/products/{id}", syncHandler.DeleteProduct)
		r.Put("/mapping", syncHandler.UpdateMapping)
	})

	if cfg.PprofEnabled {
		middleware.RegisterPprof(r, cfg.AdminCIDRs, logger)
	}

	return r
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/DamienDrash/webshop-product-search/internal/cache"
	cachemem "github.com/DamienDrash/webshop-product-search/internal/cache/memory"
	cacheredis "github.com/DamienDrash/webshop-product-search/internal/cache/redis"
	"github.com/DamienDrash/webshop-product-search/internal/config"
	"github.com/DamienDrash/webshop-product-search/internal/event"
	handler "github.com/DamienDrash/webshop-product-search/internal/handler/http"
	"github.com/DamienDrash/webshop-product-search/internal/index"
	"github.com/DamienDrash/webshop-product-search/internal/index/elasticsearch"
	idxmem "github.com/DamienDrash/webshop-product-search/internal/index/memory"
	"github.com/DamienDrash/webshop-product-search/internal/service"
	"github.com/DamienDrash/webshop-product-search/internal/source/postgres"
	"github.com/DamienDrash/webshop-product-search/internal/syncer"
	"github.com/DamienDrash/webshop-product-search/pkg/breaker"
	"github.com/DamienDrash/webshop-product-search/pkg/database"
	"github.com/DamienDrash/webshop-product-search/pkg/health"
	pkgkafka "github.com/DamienDrash/webshop-product-search/pkg/kafka"
	"github.com/DamienDrash/webshop-product-search/pkg/middleware"
	"github.com/DamienDrash/webshop-product-search/pkg/tracing"
)

const (
	slowQueryThreshold = time.Second
	idempotencyTTL     = 24 * time.Hour
	idempotencyPrefix  = "search:event:"
	shutdownTimeout    = 10 * time.Second
)

// App wires together all dependencies and runs the search service.
type App struct {
	cfg         *config.Config
	logger      *slog.Logger
	engine      index.Engine
	coordinator *syncer.Coordinator
	consumer    *pkgkafka.Consumer
	httpServer  *http.Server

	// closers release clients in reverse creation order.
	closers []func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	healthHandler := health.NewHandler()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.Tracing())
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.closers = append(a.closers, shutdownTracer)
	database.SetSlowQueryLogging(slowQueryThreshold, logger)

	// Warehouse reader.
	pgCfg := cfg.Postgres()
	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to warehouse: %w", err)
	}
	a.closers = append(a.closers, closePool(pool))
	reg.MustRegister(database.NewPoolStatsCollector(pool, "warehouse"))
	reader := postgres.NewReader(pool, cfg.SourceTable, cfg.SourceBrandScope)
	healthHandler.Register("postgres", reader.Ping)
	logger.Info("warehouse reader initialized",
		slog.String("table", cfg.SourceTable),
		slog.String("brand", cfg.SourceBrandScope),
	)

	// Search index.
	a.engine, err = newEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	healthHandler.Register("elasticsearch", a.engine.Ping)

	// Query cache and sync checkpoints.
	caching, err := newCache(ctx, cfg, reg, logger)
	if err != nil {
		return nil, err
	}
	if caching.close != nil {
		a.closers = append(a.closers, caching.close)
	}
	healthHandler.RegisterOptional("redis", caching.store.Ping)
	layer := cache.NewLayer(caching.store, cfg.CacheTTL,
		cache.WithMetrics(cache.NewMetrics(reg)),
		cache.WithLogger(logger),
	)

	// Sync coordinator, optionally announcing runs on Kafka.
	syncOpts := []syncer.Option{syncer.WithMetrics(syncer.NewMetrics(reg))}
	var kafkaMetrics *pkgkafka.Metrics
	if cfg.KafkaEnabled {
		kafkaMetrics = pkgkafka.NewMetrics(reg)
		producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger,
			pkgkafka.WithProducerMetrics(kafkaMetrics))
		a.closers = append(a.closers, func(context.Context) error { return producer.Close() })
		healthHandler.RegisterOptional("kafka", producer.Ping)
		syncOpts = append(syncOpts, syncer.WithNotifier(event.NewPublisher(producer)))
	}

	a.coordinator = syncer.New(reader, a.engine, layer, caching.checkpoints, syncer.Config{
		SourceTimeout: cfg.SourceTimeout,
		IndexTimeout:  cfg.IndexTimeout,
		CacheTimeout:  cfg.CacheTimeout,
		Lookback:      cfg.SyncLookback,
		SuggestWeight: cfg.SuggestWeight,
	}, logger, syncOpts...)

	if cfg.KafkaEnabled {
		handle := pkgkafka.IdempotentHandler(caching.idempotency,
			event.NewConsumer(a.coordinator, logger).Handle, logger)
		a.consumer = pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
			Brokers:  cfg.KafkaBrokers,
			GroupID:  cfg.KafkaGroupID,
			Topics:   event.Topics,
			MinBytes: 1,
			MaxBytes: 10e6, // 10 MB
		}, handle, logger,
			pkgkafka.WithDeadLetter(pkgkafka.NewDLQProducer(cfg.KafkaBrokers, nil, logger)),
			pkgkafka.WithConsumerMetrics(kafkaMetrics),
		)
		logger.Info("kafka consumer initialized",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.Any("topics", event.Topics),
		)
	}

	// HTTP router.
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.CORSAllowedOrigins
	corsCfg.Environment = cfg.Environment

	router := handler.NewRouter(handler.RouterConfig{
		SearchService:  service.NewSearchService(a.engine, layer, logger),
		Syncer:         a.coordinator,
		Health:         healthHandler,
		Logger:         logger,
		Registry:       reg,
		CORS:           corsCfg,
		AdminCIDRs:     cfg.AdminAllowedCIDRs,
		PprofEnabled:   cfg.PprofEnabled,
		RequestTimeout: cfg.RequestTimeout,

		UpdatePerMinute: cfg.UpdatePerMinute,
		UpdateBurst:     cfg.UpdateBurst,
		TrustedProxies:  cfg.TrustedProxyCIDRs,
	})

	a.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No write deadline: /update and /admin/reindex last as long as a
		// sync run. Query routes are bounded by the router timeout.
		IdleTimeout: 60 * time.Second,
	}

	ok = true
	return a, nil
}

func newEngine(cfg *config.Config, logger *slog.Logger) (index.Engine, error) {
	switch cfg.SearchEngine {
	case config.EngineMemory:
		logger.Info("in-memory search engine initialized")
		return idxmem.New(), nil
	default:
		eng, err := elasticsearch.New(elasticsearch.Config{
			Addresses: cfg.ElasticsearchURLs,
			Username:  cfg.ElasticsearchUsername,
			Password:  cfg.ElasticsearchPassword,
			Alias:     cfg.ElasticsearchIndex,
			Timeout:   cfg.IndexTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init elasticsearch engine: %w", err)
		}
		logger.Info("elasticsearch search engine initialized",
			slog.Any("urls", cfg.ElasticsearchURLs),
			slog.String("alias", cfg.ElasticsearchIndex),
		)
		return eng, nil
	}
}

type cacheParts struct {
	store       cache.Store
	checkpoints cache.Checkpoints
	idempotency pkgkafka.IdempotencyStore
	close       func(context.Context) error
}

func newCache(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (cacheParts, error) {
	if cfg.CacheBackend == config.BackendMemory {
		logger.Info("in-memory cache initialized")
		return cacheParts{
			store:       cachemem.NewStore(),
			checkpoints: cachemem.NewCheckpoints(),
			idempotency: pkgkafka.NewMemoryIdempotencyStore(idempotencyTTL),
		}, nil
	}

	client, err := database.NewRedisClient(ctx, cfg.Redis())
	if err != nil {
		return cacheParts{}, fmt.Errorf("connect to redis: %w", err)
	}
	cb := breaker.New(breaker.DefaultConfig("redis"), logger, breaker.NewMetrics(reg))
	logger.Info("redis cache initialized", slog.String("addr", cfg.Redis().Addr()))

	return cacheParts{
		store:       cacheredis.NewStore(client, cb, cfg.CacheTimeout),
		checkpoints: cacheredis.NewCheckpoints(client),
		idempotency: pkgkafka.NewRedisIdempotencyStore(client, idempotencyPrefix, idempotencyTTL),
		close:       closeRedis(client),
	}, nil
}

func closePool(pool *pgxpool.Pool) func(context.Context) error {
	return func(context.Context) error {
		pool.Close()
		return nil
	}
}

func closeRedis(client *goredis.Client) func(context.Context) error {
	return func(context.Context) error { return client.Close() }
}

// Run prepares the index, starts the HTTP server and Kafka consumer, and
// blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	// Bootstrap failures are not fatal; readiness reports the index as down
	// and the first full load creates it.
	if err := a.engine.Bootstrap(ctx); err != nil {
		a.logger.Error("index bootstrap failed", slog.String("error", err.Error()))
	}

	if a.cfg.SyncOnStartup {
		go func() {
			if _, err := a.coordinator.FullLoad(ctx); err != nil {
				a.logger.Error("startup full load failed", slog.String("error", err.Error()))
			}
		}()
	}

	if a.consumer != nil {
		go func() {
			if err := a.consumer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	}

	// Start HTTP server.
	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return errors.Join(err, a.Shutdown())
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := a.close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	pkgconfig "github.com/DamienDrash/webshop-product-search/pkg/config"
	"github.com/DamienDrash/webshop-product-search/pkg/database"
	"github.com/DamienDrash/webshop-product-search/pkg/tracing"
)

// ServiceName identifies the service in logs, traces and events.
const ServiceName = "product-search"

// Search engine and cache backend selections.
const (
	EngineElasticsearch = "elasticsearch"
	EngineMemory        = "memory"
	BackendRedis        = "redis"
	BackendMemory       = "memory"
)

// Config holds all configuration for the search service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort           int           `env:"HTTP_PORT" envDefault:"8010"`
	RequestTimeout     time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	AdminAllowedCIDRs  []string      `env:"ADMIN_ALLOWED_CIDRS" envDefault:"127.0.0.1/32,::1/128" envSeparator:","`
	PprofEnabled       bool          `env:"PPROF_ENABLED" envDefault:"false"`
	UpdatePerMinute    int           `env:"UPDATE_RATE_LIMIT" envDefault:"6"`
	UpdateBurst        int           `env:"UPDATE_RATE_BURST" envDefault:"2"`
	TrustedProxyCIDRs  []string      `env:"TRUSTED_PROXY_CIDRS" envSeparator:","`

	// Warehouse
	SourceDSN        string        `env:"SOURCE_DSN"`
	SourceHost       string        `env:"SOURCE_HOST" envDefault:"localhost"`
	SourcePort       int           `env:"SOURCE_PORT" envDefault:"5432"`
	SourceUser       string        `env:"SOURCE_USER" envDefault:"dwh_reader"`
	SourcePassword   string        `env:"SOURCE_PASSWORD"`
	SourceDB         string        `env:"SOURCE_DB" envDefault:"dwh"`
	SourceSSLMode    string        `env:"SOURCE_SSLMODE" envDefault:"disable"`
	SourceTable      string        `env:"SOURCE_TABLE" envDefault:"dwh.product"`
	SourceBrandScope string        `env:"SOURCE_BRAND_SCOPE" envDefault:"Satisfyer"`
	SourceTimeout    time.Duration `env:"SOURCE_TIMEOUT" envDefault:"60s"`

	// Elasticsearch
	SearchEngine          string        `env:"SEARCH_ENGINE" envDefault:"elasticsearch"`
	ElasticsearchURLs     []string      `env:"ELASTICSEARCH_URL" envDefault:"http://localhost:9200" envSeparator:","`
	ElasticsearchIndex    string        `env:"ELASTICSEARCH_INDEX" envDefault:"products"`
	ElasticsearchUsername string        `env:"ELASTICSEARCH_USERNAME"`
	ElasticsearchPassword string        `env:"ELASTICSEARCH_PASSWORD"`
	IndexTimeout          time.Duration `env:"INDEX_TIMEOUT" envDefault:"10s"`

	// Cache
	CacheBackend  string        `env:"CACHE_BACKEND" envDefault:"redis"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"15m"`
	CacheTimeout  time.Duration `env:"CACHE_TIMEOUT" envDefault:"500ms"`
	RedisHost     string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`

	// Sync
	SyncLookback  time.Duration `env:"SYNC_LOOKBACK" envDefault:"1h"`
	SyncOnStartup bool          `env:"SYNC_ON_STARTUP" envDefault:"false"`
	SuggestWeight int           `env:"SUGGEST_WEIGHT" envDefault:"10"`

	// Kafka
	KafkaEnabled bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"product-search"`

	// Tracing
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load search config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	var errs []error
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP port: %d", c.HTTPPort))
	}
	if c.SearchEngine != EngineElasticsearch && c.SearchEngine != EngineMemory {
		errs = append(errs, fmt.Errorf("SEARCH_ENGINE must be %q or %q, got %q", EngineElasticsearch, EngineMemory, c.SearchEngine))
	}
	if c.CacheBackend != BackendRedis && c.CacheBackend != BackendMemory {
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", BackendRedis, BackendMemory, c.CacheBackend))
	}
	if c.SearchEngine == EngineElasticsearch && len(c.ElasticsearchURLs) == 0 {
		errs = append(errs, errors.New("ELASTICSEARCH_URL is required"))
	}
	if c.ElasticsearchIndex == "" {
		errs = append(errs, errors.New("ELASTICSEARCH_INDEX is required"))
	}
	if c.SourceBrandScope == "" {
		errs = append(errs, errors.New("SOURCE_BRAND_SCOPE is required"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must not be negative: %s", c.CacheTTL))
	}
	for name, d := range map[string]time.Duration{
		"SOURCE_TIMEOUT": c.SourceTimeout,
		"INDEX_TIMEOUT":  c.IndexTimeout,
		"CACHE_TIMEOUT":  c.CacheTimeout,
		"SYNC_LOOKBACK":  c.SyncLookback,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive: %s", name, d))
		}
	}
	if c.SuggestWeight < 1 {
		errs = append(errs, fmt.Errorf("SUGGEST_WEIGHT must be positive: %d", c.SuggestWeight))
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is set"))
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATE must be within [0, 1]: %v", c.OTELSampleRate))
	}
	if c.UpdatePerMinute < 0 || c.UpdateBurst < 0 {
		errs = append(errs, fmt.Errorf("UPDATE_RATE_LIMIT and UPDATE_RATE_BURST must not be negative: %d/%d", c.UpdatePerMinute, c.UpdateBurst))
	}
	for _, cidr := range c.TrustedProxyCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXY_CIDRS: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Postgres returns the warehouse pool settings.
func (c *Config) Postgres() database.PostgresConfig {
	pg := database.DefaultPostgresConfig()
	pg.DSN = c.SourceDSN
	pg.Host = c.SourceHost
	pg.Port = c.SourcePort
	pg.User = c.SourceUser
	pg.Password = c.SourcePassword
	pg.DBName = c.SourceDB
	pg.SSLMode = c.SourceSSLMode
	return pg
}

// Redis returns the cache client settings. Read and write timeouts follow
// CACHE_TIMEOUT so a slow Redis cannot stall a query.
func (c *Config) Redis() database.RedisConfig {
	rc := database.DefaultRedisConfig()
	rc.Host = c.RedisHost
	rc.Port = c.RedisPort
	rc.Password = c.RedisPassword
	rc.DB = c.RedisDB
	rc.ReadTimeout = c.CacheTimeout
	rc.WriteTimeout = c.CacheTimeout
	return rc
}

// Tracing returns the OpenTelemetry settings.
func (c *Config) Tracing() tracing.Config {
	tc := tracing.DefaultConfig(ServiceName)
	tc.Environment = c.Environment
	tc.Enabled = c.OTELEnabled
	tc.OTLPEndpoint = c.OTELEndpoint
	tc.SampleRate = c.OTELSampleRate
	return tc
}

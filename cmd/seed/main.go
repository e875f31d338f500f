// Command seed fills a local warehouse table with deterministic products of
// the configured brand, so a development stack has something to sync.
//
// Run: go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/DamienDrash/webshop-product-search/internal/config"
	"github.com/DamienDrash/webshop-product-search/internal/domain"
	"github.com/DamienDrash/webshop-product-search/internal/source/postgres"
	pkgconfig "github.com/DamienDrash/webshop-product-search/pkg/config"
	"github.com/DamienDrash/webshop-product-search/pkg/database"
	"github.com/DamienDrash/webshop-product-search/pkg/logger"
)

type seedConfig struct {
	Count int   `env:"SEED_COUNT" envDefault:"1000"`
	Seed  int64 `env:"SEED_RANDOM_SEED" envDefault:"42"`
}

var (
	lines      = []string{"Pro", "Curvy", "Love Triangle", "Deluxe", "Mono Flex", "Sexy Secret", "Dual Pleasure", "Wand-er Woman"}
	editions   = []string{"1+", "2", "3", "4", "Next Generation", "Connect App"}
	colors     = []string{"Rose", "Black", "White", "Red", "Blue", "Violet", "Gold"}
	categories = []string{"Air Pulse", "Vibrators", "Wands", "Couples", "Accessories"}
	genders    = []string{"female", "male", "unisex"}
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	var sc seedConfig
	if err := pkgconfig.Load(&sc); err != nil {
		slog.Error("failed to load seed config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New("product-search-seed", cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := run(ctx, cfg, sc, log); err != nil {
		log.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, sc seedConfig, log *slog.Logger) error {
	pgCfg := cfg.Postgres()
	pool, err := database.NewPostgresPool(ctx, &pgCfg, log)
	if err != nil {
		return fmt.Errorf("connect to warehouse: %w", err)
	}
	defer pool.Close()

	seeder := postgres.NewSeeder(pool, cfg.SourceTable)
	if err := seeder.CreateTable(ctx); err != nil {
		return err
	}

	records := generateRecords(rand.New(rand.NewSource(sc.Seed)), sc.Count, cfg.SourceBrandScope)
	n, err := seeder.Upsert(ctx, records, time.Now().UTC())
	if err != nil {
		return err
	}

	log.Info("warehouse seeded",
		slog.String("table", cfg.SourceTable),
		slog.String("brand", cfg.SourceBrandScope),
		slog.Int("products", n),
	)
	return nil
}

// generateRecords returns n products with ids 1..n. The same seed always
// yields the same products, so re-runs overwrite rather than duplicate.
func generateRecords(rng *rand.Rand, n int, brand string) []domain.ProductRecord {
	records := make([]domain.ProductRecord, 0, n)
	for i := 1; i <= n; i++ {
		line := lines[rng.Intn(len(lines))]
		edition := editions[rng.Intn(len(editions))]
		color := colors[rng.Intn(len(colors))]
		category := categories[rng.Intn(len(categories))]

		// 9.95 - 149.95 in steps of 5.
		price := 9.95 + float64(rng.Intn(29))*5

		records = append(records, domain.ProductRecord{
			ID:       int64(i),
			Name:     fmt.Sprintf("%s %s %s", line, edition, color),
			Price:    fmt.Sprintf("%.2f", price),
			SKU:      fmt.Sprintf("SKU-%06d", i),
			MatsID:   fmt.Sprintf("M-%06d", i),
			Category: &category,
			Brand:    &brand,
			Gender:   genders[rng.Intn(len(genders))],
			EAN:      fmt.Sprintf("40615040%05d", i),
		})
	}
	return records
}

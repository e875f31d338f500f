package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
	"github.com/DamienDrash/webshop-product-search/pkg/database"
)

// SeedBatchSize bounds the rows per INSERT statement.
const SeedBatchSize = 500

const seedColumns = 11

// Seeder writes product rows into a warehouse-shaped table. It backs the
// local seed command and integration setups; production never writes.
type Seeder struct {
	db    database.DBTX
	ident string
}

// NewSeeder creates a seeder for table, DefaultTable when empty.
func NewSeeder(db database.DBTX, table string) *Seeder {
	if table == "" {
		table = DefaultTable
	}
	return &Seeder{db: db, ident: pgx.Identifier(strings.Split(table, ".")).Sanitize()}
}

// CreateTable creates the schema and table when missing.
func (s *Seeder) CreateTable(ctx context.Context) error {
	if schema, _, ok := strings.Cut(s.ident, "."); ok {
		if _, err := s.db.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.ident+` (
	product_id         BIGINT PRIMARY KEY,
	p_name             TEXT,
	p_price            NUMERIC(12,2),
	p_sku              TEXT,
	p_original_mats_id TEXT,
	p_category_name    TEXT,
	p_brand_name       TEXT,
	p_gender           TEXT,
	p_ean              TEXT,
	p_created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	p_updated_at       TIMESTAMPTZ
)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Upsert inserts records in batches. Existing rows are overwritten and get
// p_updated_at = at, so the next incremental sync picks them up.
func (s *Seeder) Upsert(ctx context.Context, records []domain.ProductRecord, at time.Time) (int, error) {
	written := 0
	for start := 0; start < len(records); start += SeedBatchSize {
		end := min(start+SeedBatchSize, len(records))
		batch := records[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO " + s.ident + ` (product_id, p_name, p_price, p_sku, p_original_mats_id,
	p_category_name, p_brand_name, p_gender, p_ean, p_created_at, p_updated_at) VALUES `)

		args := make([]any, 0, len(batch)*seedColumns)
		for i, r := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * seedColumns
			placeholders := make([]string, seedColumns)
			for j := range placeholders {
				placeholders[j] = fmt.Sprintf("$%d", base+j+1)
			}
			sb.WriteString("(" + strings.Join(placeholders, ", ") + ")")

			args = append(args,
				r.ID, r.Name, nullIfEmpty(r.Price), r.SKU, r.MatsID,
				r.Category, r.Brand, r.Gender, r.EAN, at, nil,
			)
		}
		sb.WriteString(` ON CONFLICT (product_id) DO UPDATE SET
	p_name = EXCLUDED.p_name, p_price = EXCLUDED.p_price, p_sku = EXCLUDED.p_sku,
	p_original_mats_id = EXCLUDED.p_original_mats_id, p_category_name = EXCLUDED.p_category_name,
	p_brand_name = EXCLUDED.p_brand_name, p_gender = EXCLUDED.p_gender, p_ean = EXCLUDED.p_ean,
	p_updated_at = EXCLUDED.p_created_at`)

		if _, err := s.db.Exec(ctx, sb.String(), args...); err != nil {
			return written, fmt.Errorf("insert products %d-%d: %w", start, end, err)
		}
		written += len(batch)
	}
	return written, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

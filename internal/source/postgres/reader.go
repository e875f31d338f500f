package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
	"github.com/DamienDrash/webshop-product-search/pkg/database"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
)

// DefaultTable is the warehouse product table.
const DefaultTable = "dwh.product"

const selectColumns = `product_id, p_name, p_price::text, p_sku, p_original_mats_id,
	p_category_name, p_brand_name, p_gender, p_ean`

// Reader reads products of one brand from the warehouse.
type Reader struct {
	db         database.DBTX
	brand      string
	fetchAll   string
	fetchSince string
}

// NewReader creates a reader over db scoped to brand. table may be schema
// qualified ("dwh.product"); an empty table uses DefaultTable.
func NewReader(db database.DBTX, table, brand string) *Reader {
	if table == "" {
		table = DefaultTable
	}
	ident := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	base := fmt.Sprintf("SELECT %s FROM %s WHERE p_brand_name = $1", selectColumns, ident)

	return &Reader{
		db:         db,
		brand:      brand,
		fetchAll:   base + " ORDER BY product_id",
		fetchSince: base + " AND COALESCE(p_updated_at, p_created_at) > $2 ORDER BY product_id",
	}
}

// FetchAll returns every product of the configured brand.
func (r *Reader) FetchAll(ctx context.Context) (records []domain.ProductRecord, err error) {
	ctx, end := database.TraceQuery(ctx, "FetchAll", r.fetchAll)
	defer func() { end(err) }()

	return r.query(ctx, "fetch all", r.fetchAll, r.brand)
}

// FetchChangedSince returns products created or updated after since.
func (r *Reader) FetchChangedSince(ctx context.Context, since time.Time) (records []domain.ProductRecord, err error) {
	ctx, end := database.TraceQuery(ctx, "FetchChangedSince", r.fetchSince)
	defer func() { end(err) }()

	return r.query(ctx, "fetch changed", r.fetchSince, r.brand, since)
}

// Ping checks warehouse connectivity.
func (r *Reader) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return apperrors.SourceUnavailable("ping", err)
	}
	return nil
}

func (r *Reader) query(ctx context.Context, op, sql string, args ...any) ([]domain.ProductRecord, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.SourceUnavailable(op, err)
	}
	defer rows.Close()

	var records []domain.ProductRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.MalformedRecord(fmt.Sprintf("%s: row %d could not be read", op, len(records)+1), err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.SourceUnavailable(op, err)
	}
	return records, nil
}

// scanRecord maps one row. Text columns may be NULL; a NULL name maps to ""
// and is rejected later by record validation.
func scanRecord(row pgx.Row) (domain.ProductRecord, error) {
	var (
		rec                                   domain.ProductRecord
		name, price, sku, matsID, gender, ean *string
	)
	if err := row.Scan(&rec.ID, &name, &price, &sku, &matsID, &rec.Category, &rec.Brand, &gender, &ean); err != nil {
		return domain.ProductRecord{}, err
	}
	rec.Name = deref(name)
	rec.Price = deref(price)
	rec.SKU = deref(sku)
	rec.MatsID = deref(matsID)
	rec.Gender = deref(gender)
	rec.EAN = deref(ean)
	return rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

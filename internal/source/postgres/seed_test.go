package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
)

func TestSeeder_CreateTable(t *testing.T) {
	mock := newMock(t)
	s := NewSeeder(mock, "")

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "dwh"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "dwh"."product"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.CreateTable(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeeder_CreateTableWithoutSchema(t *testing.T) {
	mock := newMock(t)
	s := NewSeeder(mock, "products")

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "products"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.CreateTable(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeeder_UpsertBatches(t *testing.T) {
	mock := newMock(t)
	s := NewSeeder(mock, "")
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	records := make([]domain.ProductRecord, SeedBatchSize+3)
	for i := range records {
		records[i] = domain.ProductRecord{ID: int64(i + 1), Name: "Wand", Price: "9.99", Brand: str("Satisfyer")}
	}

	mock.ExpectExec(`INSERT INTO "dwh"."product" .* ON CONFLICT \(product_id\) DO UPDATE`).
		WillReturnResult(pgxmock.NewResult("INSERT", SeedBatchSize))
	mock.ExpectExec(`INSERT INTO "dwh"."product"`).
		WithArgs(
			int64(SeedBatchSize+1), "Wand", str("9.99"), "", "", null, str("Satisfyer"), "", "", at, nil,
			int64(SeedBatchSize+2), "Wand", str("9.99"), "", "", null, str("Satisfyer"), "", "", at, nil,
			int64(SeedBatchSize+3), "Wand", str("9.99"), "", "", null, str("Satisfyer"), "", "", at, nil,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 3))

	n, err := s.Upsert(context.Background(), records, at)
	require.NoError(t, err)
	assert.Equal(t, len(records), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeeder_UpsertError(t *testing.T) {
	mock := newMock(t)
	s := NewSeeder(mock, "")

	mock.ExpectExec(`INSERT INTO`).WillReturnError(errors.New("relation does not exist"))

	n, err := s.Upsert(context.Background(), []domain.ProductRecord{{ID: 1, Name: "Wand"}}, time.Now())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), "relation does not exist")
}

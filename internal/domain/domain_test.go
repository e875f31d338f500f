package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DamienDrash/webshop-product-search/pkg/validator"
)

func strPtr(s string) *string { return &s }

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "search-Wand Massager", CacheKey("Wand Massager"))
	assert.Equal(t, CacheKey("x"), CacheKey("x"))
	assert.NotEqual(t, CacheKey("x"), CacheKey("X"))
}

func TestProductRecord_Validate(t *testing.T) {
	ok := ProductRecord{ID: 1, Name: "Pro 2"}
	require.NoError(t, ok.Validate())

	tests := []struct {
		name  string
		rec   ProductRecord
		field string
	}{
		{"zero id", ProductRecord{ID: 0, Name: "Pro 2"}, "id"},
		{"negative id", ProductRecord{ID: -4, Name: "Pro 2"}, "id"},
		{"empty name", ProductRecord{ID: 3}, "name"},
		{"blank name", ProductRecord{ID: 3, Name: "   "}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			require.Error(t, err)
			var ve *validator.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Fields(), tt.field)
		})
	}
}

func TestNewIndexedDocument(t *testing.T) {
	rec := ProductRecord{
		ID: 42, Name: "Pro 2", Price: "39,95", SKU: "SKU-1", MatsID: "M-9",
		Category: strPtr("Toys"), Gender: "unisex", EAN: "4061504001234",
	}
	doc := NewIndexedDocument(rec, DefaultSuggestWeight)

	assert.Equal(t, int64(42), doc.ID)
	assert.Equal(t, []string{"Pro 2"}, doc.NameSuggest.Input)
	assert.Equal(t, 10, doc.NameSuggest.Weight)

	b, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": 42, "name": "Pro 2", "price": "39,95", "sku": "SKU-1", "mats_id": "M-9",
		"category": "Toys", "brand": null, "gender": "unisex", "ean": "4061504001234",
		"name_suggest": {"input": ["Pro 2"], "weight": 10}
	}`, string(b))

	res := doc.Result()
	assert.Equal(t, Result{ID: 42, Name: "Pro 2", Price: "39,95", Category: strPtr("Toys"), EAN: "4061504001234"}, res)
}

func TestSyncReport_Outcome(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		rep   SyncReport
		fatal error
		want  Outcome
		clean bool
	}{
		{"all indexed", SyncReport{Fetched: 3, Indexed: 3}, nil, OutcomeSuccess, true},
		{"nothing fetched", SyncReport{}, nil, OutcomeEmpty, true},
		{"some failed", SyncReport{Fetched: 3, Indexed: 2, Failed: 1}, nil, OutcomePartial, false},
		{"cache failure", SyncReport{Fetched: 3, Indexed: 3, CacheFailures: 1}, nil, OutcomePartial, false},
		{"none indexed", SyncReport{Fetched: 3, Failed: 3}, nil, OutcomeFailed, false},
		{"fatal", SyncReport{Fetched: 3, Indexed: 3}, errors.New("schema conflict"), OutcomeFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rep.StartedAt = now.Add(-time.Second)
			tt.rep.Finish(now, tt.fatal)
			assert.Equal(t, tt.want, tt.rep.Outcome)
			assert.Equal(t, tt.clean, tt.rep.Clean())
			assert.Equal(t, time.Second, tt.rep.Duration())
		})
	}
}

func TestSyncReport_FailureSamplesAreCapped(t *testing.T) {
	var rep SyncReport
	for i := 0; i < MaxFailureSamples+5; i++ {
		rep.AddFailure(int64(i+1), "upsert", fmt.Errorf("rejected %d", i))
	}
	rep.AddCacheFailure(99, errors.New("redis down"))

	assert.Equal(t, MaxFailureSamples+5, rep.Failed)
	assert.Equal(t, 1, rep.CacheFailures)
	assert.Len(t, rep.Failures, MaxFailureSamples)
	assert.Equal(t, "upsert", rep.Failures[0].Stage)
}

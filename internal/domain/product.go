package domain

import (
	"encoding/json"
	"strings"

	"github.com/DamienDrash/webshop-product-search/pkg/validator"
)

// DefaultSuggestWeight is the completion weight given to every product name.
const DefaultSuggestWeight = 10

// cacheKeyPrefix is shared by every query-result cache entry.
const cacheKeyPrefix = "search-"

// ProductRecord is one product row as read from the warehouse.
type ProductRecord struct {
	ID       int64   `json:"id" validate:"gt=0"`
	Name     string  `json:"name" validate:"required"`
	Price    string  `json:"price"`
	SKU      string  `json:"sku"`
	MatsID   string  `json:"mats_id"`
	Category *string `json:"category"`
	Brand    *string `json:"brand"`
	Gender   string  `json:"gender"`
	EAN      string  `json:"ean"`
}

// Validate checks the record can be indexed. A blank name is rejected.
func (r ProductRecord) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	return validator.Validate(r)
}

// Suggest is the completion input stored with each document.
type Suggest struct {
	Input  []string `json:"input"`
	Weight int      `json:"weight"`
}

// IndexedDocument is the search-index representation of a product. Its
// index id equals ID.
type IndexedDocument struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Price       string  `json:"price"`
	SKU         string  `json:"sku"`
	MatsID      string  `json:"mats_id"`
	Category    *string `json:"category"`
	Brand       *string `json:"brand"`
	Gender      string  `json:"gender"`
	EAN         string  `json:"ean"`
	NameSuggest Suggest `json:"name_suggest"`
}

// NewIndexedDocument builds the document for r with the given completion weight.
func NewIndexedDocument(r ProductRecord, suggestWeight int) IndexedDocument {
	return IndexedDocument{
		ID:          r.ID,
		Name:        r.Name,
		Price:       r.Price,
		SKU:         r.SKU,
		MatsID:      r.MatsID,
		Category:    r.Category,
		Brand:       r.Brand,
		Gender:      r.Gender,
		EAN:         r.EAN,
		NameSuggest: Suggest{Input: []string{r.Name}, Weight: suggestWeight},
	}
}

// Result returns the formatted search hit for the document.
func (d IndexedDocument) Result() Result {
	return Result{
		ID:       d.ID,
		Name:     d.Name,
		Price:    d.Price,
		Category: d.Category,
		Brand:    d.Brand,
		EAN:      d.EAN,
	}
}

// Result is one formatted search hit.
type Result struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Price    string  `json:"price"`
	Category *string `json:"category"`
	Brand    *string `json:"brand"`
	EAN      string  `json:"ean"`
}

// ResultFields lists the index fields a Result is built from.
var ResultFields = []string{"id", "name", "price", "category", "brand", "ean"}

// Suggestion is one completion option as returned by the index.
type Suggestion struct {
	Text   string          `json:"text"`
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source,omitempty"`
}

// CacheKey returns the cache key of a query. The same query always maps to
// the same key, and a product name used as a query maps to the key the sync
// path refreshes for that product.
func CacheKey(query string) string {
	return cacheKeyPrefix + query
}

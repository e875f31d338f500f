package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
	"github.com/DamienDrash/webshop-product-search/internal/index"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
)

// namesPageSize is the page size used when listing live documents.
const namesPageSize = 1000

// errNoIndex marks a query against an alias that does not exist.
var errNoIndex = errors.New("index not found")

// suggesterName keys the completion suggester in requests and responses.
const suggesterName = "field-suggest"

type esSearchResponse struct {
	Hits struct {
		Hits []struct {
			Source domain.Result `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

type esNamesResponse struct {
	Hits struct {
		Hits []struct {
			Source struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			} `json:"_source"`
			Sort []json.RawMessage `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

type esSuggestResponse struct {
	Suggest map[string][]struct {
		Options []domain.Suggestion `json:"options"`
	} `json:"suggest"`
}

// Search runs a lenient multi-field query on the live alias.
func (e *Engine) Search(ctx context.Context, text string, size int) (results []domain.Result, err error) {
	ctx, cancel, end := e.begin(ctx, "Search")
	defer cancel()
	defer func() { end(err) }()

	if size <= 0 {
		size = index.DefaultSearchSize
	}

	var esResp esSearchResponse
	if err := e.search(ctx, "search", buildSearchQuery(text, size), &esResp); err != nil {
		return nil, err
	}

	results = make([]domain.Result, 0, len(esResp.Hits.Hits))
	for _, hit := range esResp.Hits.Hits {
		results = append(results, hit.Source)
	}
	return results, nil
}

// Suggest runs a fuzzy completion query on the name suggester and returns
// the raw options.
func (e *Engine) Suggest(ctx context.Context, prefix string, fuzziness, size int) (options []domain.Suggestion, err error) {
	ctx, cancel, end := e.begin(ctx, "Suggest")
	defer cancel()
	defer func() { end(err) }()

	if size <= 0 {
		size = index.DefaultSuggestSize
	}

	var esResp esSuggestResponse
	if err := e.search(ctx, "suggest", buildSuggestQuery(prefix, fuzziness, size), &esResp); err != nil {
		return nil, err
	}

	options = make([]domain.Suggestion, 0, size)
	for _, entry := range esResp.Suggest[suggesterName] {
		options = append(options, entry.Options...)
	}
	return options, nil
}

// LiveNames pages through the live alias by id and returns every
// document name. A missing alias yields an empty map.
func (e *Engine) LiveNames(ctx context.Context) (names map[int64]string, err error) {
	ctx, cancel, end := e.begin(ctx, "LiveNames")
	defer cancel()
	defer func() { end(err) }()

	names = make(map[int64]string)
	var after []json.RawMessage
	for {
		var page esNamesResponse
		err := e.search(ctx, "list names", buildNamesQuery(namesPageSize, after), &page)
		if errors.Is(err, errNoIndex) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}

		hits := page.Hits.Hits
		for _, hit := range hits {
			names[hit.Source.ID] = hit.Source.Name
		}
		if len(hits) < namesPageSize {
			return names, nil
		}
		after = hits[len(hits)-1].Sort
	}
}

func (e *Engine) search(ctx context.Context, op string, query map[string]any, out any) error {
	data, err := json.Marshal(query)
	if err != nil {
		return apperrors.Internal(fmt.Errorf("marshal query: %w", err))
	}

	res, err := e.client.Search(
		e.client.Search.WithIndex(e.alias),
		e.client.Search.WithBody(bytes.NewReader(data)),
		e.client.Search.WithContext(ctx),
	)
	if err != nil {
		return apperrors.IndexUnavailable(op, err)
	}
	defer closeBody(res)

	if res.IsError() {
		switch res.StatusCode {
		case http.StatusBadRequest:
			return apperrors.InvalidQuery("query rejected by the search index")
		case http.StatusNotFound:
			return apperrors.IndexUnavailable(op, fmt.Errorf("%w: %v", errNoIndex, responseError(res)))
		}
		return apperrors.IndexUnavailable(op, responseError(res))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return apperrors.IndexUnavailable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func buildSearchQuery(text string, size int) map[string]any {
	return map[string]any{
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":   text,
				"fields":  index.SearchFields,
				"lenient": true,
			},
		},
		"_source": domain.ResultFields,
		"size":    size,
	}
}

func buildSuggestQuery(prefix string, fuzziness, size int) map[string]any {
	return map[string]any{
		"_source": true,
		"suggest": map[string]any{
			suggesterName: map[string]any{
				"prefix": prefix,
				"completion": map[string]any{
					"field": index.SuggestField,
					"fuzzy": map[string]any{"fuzziness": fuzziness},
					"size":  size,
				},
			},
		},
	}
}

func buildNamesQuery(size int, after []json.RawMessage) map[string]any {
	q := map[string]any{
		"size":    size,
		"_source": []string{"id", "name"},
		"query":   map[string]any{"match_all": map[string]any{}},
		"sort":    []any{map[string]any{"id": "asc"}},
	}
	if len(after) > 0 {
		q["search_after"] = after
	}
	return q
}

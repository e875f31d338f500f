// Package memory is an in-process index.Engine with the same generation
// semantics as the Elasticsearch engine. Matching is simple case-insensitive
// substring and fuzzy-prefix logic.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
	"github.com/DamienDrash/webshop-product-search/internal/index"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
)

// Op names an engine operation for fault injection.
type Op string

const (
	OpEnsureSchema  Op = "ensure_schema"
	OpPublish       Op = "publish"
	OpUpsert        Op = "upsert"
	OpGet           Op = "get"
	OpDelete        Op = "delete"
	OpLiveNames     Op = "live_names"
	OpUpdateMapping Op = "update_mapping"
	OpSearch        Op = "search"
	OpSuggest       Op = "suggest"
	OpPing          Op = "ping"
)

type generation struct {
	docs    map[int64]domain.IndexedDocument
	mapping map[string]any
}

// Engine is an in-memory index.Engine. Thread-safe via sync.RWMutex.
type Engine struct {
	mu     sync.RWMutex
	gens   map[index.Generation]*generation
	live   index.Generation
	seq    int
	faults map[Op]error
	// upsertFaults fails Upsert for individual document ids.
	upsertFaults map[int64]error

	searches atomic.Int64
	suggests atomic.Int64
}

var _ index.Engine = (*Engine)(nil)

// New creates an engine with nothing published.
func New() *Engine {
	return &Engine{
		gens:         make(map[index.Generation]*generation),
		faults:       make(map[Op]error),
		upsertFaults: make(map[int64]error),
	}
}

// FailOn makes op return err until cleared with a nil err.
func (e *Engine) FailOn(op Op, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.faults, op)
		return
	}
	e.faults[op] = err
}

// FailUpsertOf makes Upsert of document id return err.
func (e *Engine) FailUpsertOf(id int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.upsertFaults, id)
		return
	}
	e.upsertFaults[id] = err
}

// SearchCalls returns how many Search calls reached the engine.
func (e *Engine) SearchCalls() int { return int(e.searches.Load()) }

// SuggestCalls returns how many Suggest calls reached the engine.
func (e *Engine) SuggestCalls() int { return int(e.suggests.Load()) }

// LiveGeneration returns the published generation, or Live if none.
func (e *Engine) LiveGeneration() index.Generation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.live
}

// Generations returns the number of physical generations held.
func (e *Engine) Generations() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.gens)
}

// Snapshot returns the live documents ordered by id.
func (e *Engine) Snapshot() []domain.IndexedDocument {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g := e.gens[e.live]
	if g == nil {
		return nil
	}
	return sortedDocs(g.docs)
}

// Ping reports an injected fault, if any.
func (e *Engine) Ping(context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fault(OpPing)
}

// EnsureSchema creates a new empty generation.
func (e *Engine) EnsureSchema(ctx context.Context) (index.Generation, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.IndexUnavailable("create index", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault(OpEnsureSchema); err != nil {
		return "", err
	}

	e.seq++
	gen := index.Generation(fmt.Sprintf("products_%d", e.seq))
	e.gens[gen] = &generation{
		docs:    make(map[int64]domain.IndexedDocument),
		mapping: index.Properties(),
	}
	return gen, nil
}

// Publish makes gen live and drops every other generation.
func (e *Engine) Publish(ctx context.Context, gen index.Generation) error {
	if err := ctx.Err(); err != nil {
		return apperrors.IndexUnavailable("publish", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault(OpPublish); err != nil {
		return err
	}
	if _, ok := e.gens[gen]; gen == index.Live || !ok {
		return apperrors.NotFound("generation", string(gen))
	}

	e.live = gen
	for name := range e.gens {
		if name != gen {
			delete(e.gens, name)
		}
	}
	return nil
}

// Drop removes an unpublished generation.
func (e *Engine) Drop(_ context.Context, gen index.Generation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen == index.Live || gen == e.live {
		return apperrors.InvalidInput("cannot drop the live generation")
	}
	delete(e.gens, gen)
	return nil
}

// Bootstrap publishes an empty generation when nothing is live.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if e.LiveGeneration() != index.Live {
		return nil
	}
	gen, err := e.EnsureSchema(ctx)
	if err != nil {
		return err
	}
	return e.Publish(ctx, gen)
}

// Upsert stores doc by id in gen.
func (e *Engine) Upsert(ctx context.Context, gen index.Generation, doc domain.IndexedDocument) error {
	if err := ctx.Err(); err != nil {
		return apperrors.IndexUnavailable("upsert", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault(OpUpsert); err != nil {
		return err
	}
	if err := e.upsertFaults[doc.ID]; err != nil {
		return err
	}

	g, err := e.generation(gen)
	if err != nil {
		return err
	}
	g.docs[doc.ID] = doc
	return nil
}

// Get returns a copy of the live document with id.
func (e *Engine) Get(_ context.Context, id int64) (*domain.IndexedDocument, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.fault(OpGet); err != nil {
		return nil, err
	}

	key := strconv.FormatInt(id, 10)
	g := e.gens[e.live]
	if g == nil {
		return nil, apperrors.NotFound("product", key)
	}
	doc, ok := g.docs[id]
	if !ok {
		return nil, apperrors.NotFound("product", key)
	}
	return &doc, nil
}

// Delete removes the live document with id.
func (e *Engine) Delete(_ context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault(OpDelete); err != nil {
		return err
	}
	if g := e.gens[e.live]; g != nil {
		delete(g.docs, id)
	}
	return nil
}

// UpdateMapping merges fields into the live mapping. Changing the type of
// an existing field is rejected as Elasticsearch would.
func (e *Engine) UpdateMapping(_ context.Context, fields map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault(OpUpdateMapping); err != nil {
		return err
	}
	g, err := e.generation(index.Live)
	if err != nil {
		return err
	}

	for name, def := range fields {
		if cur, ok := g.mapping[name]; ok && index.FieldType(cur) != index.FieldType(def) {
			return apperrors.SchemaConflict("mapping update rejected",
				fmt.Errorf("field %s cannot change from %s to %s", name, index.FieldType(cur), index.FieldType(def)))
		}
	}
	for name, def := range fields {
		g.mapping[name] = def
	}
	return nil
}

// Count returns the number of live documents.
func (e *Engine) Count(context.Context) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if g := e.gens[e.live]; g != nil {
		return len(g.docs), nil
	}
	return 0, nil
}

// LiveNames returns the name of every live document keyed by id.
func (e *Engine) LiveNames(context.Context) (map[int64]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.fault(OpLiveNames); err != nil {
		return nil, err
	}
	names := make(map[int64]string)
	if g := e.gens[e.live]; g != nil {
		for id, doc := range g.docs {
			names[id] = doc.Name
		}
	}
	return names, nil
}

// Search returns live documents where every query term occurs in one of
// the searchable fields, ordered by id.
func (e *Engine) Search(_ context.Context, text string, size int) ([]domain.Result, error) {
	e.searches.Add(1)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.fault(OpSearch); err != nil {
		return nil, err
	}
	g := e.gens[e.live]
	if g == nil {
		return nil, apperrors.IndexUnavailable("search", fmt.Errorf("no live generation"))
	}
	if size <= 0 {
		size = index.DefaultSearchSize
	}

	terms := strings.Fields(strings.ToLower(text))
	results := make([]domain.Result, 0)
	for _, doc := range sortedDocs(g.docs) {
		if len(results) == size {
			break
		}
		if matches(doc, terms) {
			results = append(results, doc.Result())
		}
	}
	return results, nil
}

// Suggest returns documents whose name starts with prefix within
// fuzziness edits, highest weight first.
func (e *Engine) Suggest(_ context.Context, prefix string, fuzziness, size int) ([]domain.Suggestion, error) {
	e.suggests.Add(1)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.fault(OpSuggest); err != nil {
		return nil, err
	}
	g := e.gens[e.live]
	if g == nil {
		return nil, apperrors.IndexUnavailable("suggest", fmt.Errorf("no live generation"))
	}
	if size <= 0 {
		size = index.DefaultSuggestSize
	}

	p := []rune(strings.ToLower(prefix))
	options := make([]domain.Suggestion, 0)
	for _, doc := range sortedDocs(g.docs) {
		for _, input := range doc.NameSuggest.Input {
			if !fuzzyPrefix([]rune(strings.ToLower(input)), p, fuzziness) {
				continue
			}
			src, err := json.Marshal(doc)
			if err != nil {
				return nil, apperrors.Internal(err)
			}
			options = append(options, domain.Suggestion{
				Text:   input,
				Index:  string(e.live),
				ID:     strconv.FormatInt(doc.ID, 10),
				Score:  float64(doc.NameSuggest.Weight),
				Source: src,
			})
			break
		}
	}

	sort.SliceStable(options, func(i, j int) bool { return options[i].Score > options[j].Score })
	if len(options) > size {
		options = options[:size]
	}
	return options, nil
}

// fault must be called with e.mu held.
func (e *Engine) fault(op Op) error {
	return e.faults[op]
}

// generation must be called with e.mu held.
func (e *Engine) generation(gen index.Generation) (*generation, error) {
	if gen == index.Live {
		gen = e.live
	}
	g, ok := e.gens[gen]
	if !ok {
		return nil, apperrors.IndexUnavailable("resolve generation", fmt.Errorf("index %q does not exist", gen))
	}
	return g, nil
}

func matches(doc domain.IndexedDocument, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	fields := []string{doc.Name, doc.Price, doc.SKU, deref(doc.Category), deref(doc.Brand), doc.EAN}
	for _, term := range terms {
		found := false
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// fuzzyPrefix reports whether some prefix of s is within maxEdits
// Levenshtein edits of p.
func fuzzyPrefix(s, p []rune, maxEdits int) bool {
	prev := make([]int, len(s)+1)
	cur := make([]int, len(s)+1)
	// Row i holds distances between p[:i] and every prefix s[:j].
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(p); i++ {
		cur[0] = i
		for j := 1; j <= len(s); j++ {
			cost := 1
			if p[i-1] == s[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	for _, d := range prev {
		if d <= maxEdits {
			return true
		}
	}
	return false
}

func sortedDocs(docs map[int64]domain.IndexedDocument) []domain.IndexedDocument {
	out := make([]domain.IndexedDocument, 0, len(docs))
	for _, d := range docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package elasticsearch

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCluster is a minimal in-process stand-in for the Elasticsearch REST
// API covering the endpoints the engine calls.
type fakeCluster struct {
	mu      sync.Mutex
	indices map[string]map[string]json.RawMessage
	aliases map[string][]string

	mappings      map[string]json.RawMessage
	lastSearch    map[string]any
	searchReply   string
	rejectCreate  bool
	rejectMapping bool
	failStatus    int
	requests      []string
	// refreshes records "<method> <path> <refresh>" for requests carrying ?refresh.
	refreshes []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		indices:  make(map[string]map[string]json.RawMessage),
		aliases:  make(map[string][]string),
		mappings: make(map[string]json.RawMessage),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, fc *fakeCluster) *Engine {
	t.Helper()
	srv := httptest.NewServer(fc)
	t.Cleanup(srv.Close)

	eng, err := New(Config{Addresses: []string{srv.URL}, Alias: "products"}, testLogger())
	require.NoError(t, err)
	return eng
}

func (fc *fakeCluster) resolve(name string) string {
	if targets := fc.aliases[name]; len(targets) == 1 {
		return targets[0]
	}
	return name
}

func (fc *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	fc.requests = append(fc.requests, r.Method+" "+r.URL.Path)
	if v := r.URL.Query().Get("refresh"); v != "" {
		fc.refreshes = append(fc.refreshes, r.Method+" "+r.URL.Path+" "+v)
	}

	if fc.failStatus != 0 {
		w.WriteHeader(fc.failStatus)
		_, _ = io.WriteString(w, `{"error":{"type":"cluster_block_exception","reason":"blocked"},"status":503}`)
		return
	}

	body, _ := io.ReadAll(r.Body)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case r.URL.Path == "/":
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"version":{"number":"8.13.0"}}`)

	case parts[0] == "_alias" && len(parts) == 2:
		fc.getAlias(w, parts[1])

	case parts[0] == "_aliases":
		fc.updateAliases(w, body)

	case parts[0] == "_cat":
		fc.catIndices(w, parts[len(parts)-1])

	case len(parts) == 1:
		fc.indexOp(w, r.Method, parts[0], body)

	case parts[1] == "_refresh":
		_, _ = io.WriteString(w, `{}`)

	case parts[1] == "_mapping":
		if fc.rejectMapping {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"type":"illegal_argument_exception","reason":"mapper [name_suggest] cannot be changed from type [text] to [completion]"},"status":400}`)
			return
		}
		fc.mappings[fc.resolve(parts[0])] = body
		_, _ = io.WriteString(w, `{"acknowledged":true}`)

	case parts[1] == "_count":
		docs, ok := fc.indices[fc.resolve(parts[0])]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"count": len(docs)})

	case parts[1] == "_search":
		fc.lastSearch = nil
		_ = json.Unmarshal(body, &fc.lastSearch)
		docs, ok := fc.indices[fc.resolve(parts[0])]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`)
			return
		}
		if _, sorted := fc.lastSearch["sort"]; sorted {
			fc.pageByID(w, docs)
			return
		}
		_, _ = io.WriteString(w, fc.searchReply)

	case parts[1] == "_doc" && len(parts) == 3:
		fc.docOp(w, r.Method, parts[0], parts[2], body)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fc *fakeCluster) indexOp(w http.ResponseWriter, method, name string, body []byte) {
	_, exists := fc.indices[name]
	switch method {
	case http.MethodHead:
		if exists {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case http.MethodDelete:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`)
			return
		}
		delete(fc.indices, name)
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case http.MethodPut:
		if fc.rejectCreate || exists {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"type":"mapper_parsing_exception","reason":"Failed to parse mapping"},"status":400}`)
			return
		}
		fc.indices[name] = make(map[string]json.RawMessage)
		fc.mappings[name] = body
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (fc *fakeCluster) docOp(w http.ResponseWriter, method, target, id string, body []byte) {
	name := fc.resolve(target)
	docs, ok := fc.indices[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`)
		return
	}

	switch method {
	case http.MethodPut, http.MethodPost:
		docs[id] = json.RawMessage(body)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	case http.MethodGet:
		src, found := docs[id]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"found":false}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"_id": id, "found": true, "_source": src})
	case http.MethodDelete:
		if _, found := docs[id]; !found {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"result":"not_found"}`)
			return
		}
		delete(docs, id)
		_, _ = io.WriteString(w, `{"result":"deleted"}`)
	}
}

// pageByID answers an id-sorted search_after query from the stored documents.
func (fc *fakeCluster) pageByID(w http.ResponseWriter, docs map[string]json.RawMessage) {
	type named struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	all := make([]named, 0, len(docs))
	for _, raw := range docs {
		var d named
		_ = json.Unmarshal(raw, &d)
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	size := int(fc.lastSearch["size"].(float64))
	var after int64 = -1
	if sa, ok := fc.lastSearch["search_after"].([]any); ok && len(sa) == 1 {
		after = int64(sa[0].(float64))
	}

	hits := []map[string]any{}
	for _, d := range all {
		if d.ID <= after || len(hits) == size {
			continue
		}
		hits = append(hits, map[string]any{"_source": d, "sort": []int64{d.ID}})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"hits": map[string]any{"hits": hits}})
}

func (fc *fakeCluster) getAlias(w http.ResponseWriter, alias string) {
	targets := fc.aliases[alias]
	if len(targets) == 0 {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"alias [`+alias+`] missing","status":404}`)
		return
	}
	out := make(map[string]any)
	for _, t := range targets {
		out[t] = map[string]any{"aliases": map[string]any{alias: map[string]any{}}}
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (fc *fakeCluster) updateAliases(w http.ResponseWriter, body []byte) {
	var req struct {
		Actions []map[string]struct {
			Index string `json:"index"`
			Alias string `json:"alias"`
		} `json:"actions"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for _, action := range req.Actions {
		for kind, a := range action {
			switch kind {
			case "add":
				fc.aliases[a.Alias] = append(fc.aliases[a.Alias], a.Index)
			case "remove":
				kept := fc.aliases[a.Alias][:0]
				for _, t := range fc.aliases[a.Alias] {
					if t != a.Index {
						kept = append(kept, t)
					}
				}
				fc.aliases[a.Alias] = kept
			case "remove_index":
				delete(fc.indices, a.Index)
			}
		}
	}
	_, _ = io.WriteString(w, `{"acknowledged":true}`)
}

func (fc *fakeCluster) catIndices(w http.ResponseWriter, pattern string) {
	prefix := strings.TrimSuffix(pattern, "*")
	var rows []map[string]string
	for name := range fc.indices {
		if strings.HasPrefix(name, prefix) {
			rows = append(rows, map[string]string{"index": name})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i]["index"] < rows[j]["index"] })
	if rows == nil {
		rows = []map[string]string{}
	}
	_ = json.NewEncoder(w).Encode(rows)
}

func (fc *fakeCluster) indexNames() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	names := make([]string, 0, len(fc.indices))
	for n := range fc.indices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (fc *fakeCluster) aliasTargets(alias string) []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.aliases[alias]...)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DamienDrash/webshop-product-search/internal/cache"
	cachemem "github.com/DamienDrash/webshop-product-search/internal/cache/memory"
	"github.com/DamienDrash/webshop-product-search/internal/domain"
	idxmem "github.com/DamienDrash/webshop-product-search/internal/index/memory"
	"github.com/DamienDrash/webshop-product-search/internal/service"
	srcmem "github.com/DamienDrash/webshop-product-search/internal/source/memory"
	"github.com/DamienDrash/webshop-product-search/internal/syncer"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
	"github.com/DamienDrash/webshop-product-search/pkg/health"
	"github.com/DamienDrash/webshop-product-search/pkg/httputil"
	"github.com/DamienDrash/webshop-product-search/pkg/middleware"
)

// httptest requests originate from 192.0.2.1.
const adminCIDR = "192.0.2.0/24"

type envelope struct {
	Data  json.RawMessage         `json:"data"`
	Error *httputil.ErrorResponse `json:"error"`
}

type testServer struct {
	src     *srcmem.Reader
	eng     *idxmem.Engine
	store   *cachemem.Store
	coord   *syncer.Coordinator
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := srcmem.NewReader()
	eng := idxmem.New()
	store := cachemem.NewStore()
	layer := cache.NewLayer(store, time.Minute)
	coord := syncer.New(src, eng, layer, cachemem.NewCheckpoints(), syncer.DefaultConfig(), logger)

	hh := health.NewHandler()
	hh.Register("elasticsearch", eng.Ping)

	return &testServer{
		src:   src,
		eng:   eng,
		store: store,
		coord: coord,
		handler: NewRouter(RouterConfig{
			SearchService: service.NewSearchService(eng, layer, logger),
			Syncer:        coord,
			Health:        hh,
			Logger:        logger,
			Registry:      prometheus.NewRegistry(),
			CORS:          middleware.DefaultCORSConfig(),
			AdminCIDRs:    []string{adminCIDR},
		}),
	}
}

func (s *testServer) seed(t *testing.T, names ...string) {
	t.Helper()
	for i, name := range names {
		s.src.Put(domain.ProductRecord{ID: int64(i + 1), Name: name, Price: "9.99"}, time.Now().Add(-time.Minute))
	}
	_, err := s.coord.FullLoad(context.Background())
	require.NoError(t, err)
}

func (s *testServer) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

// --- /search ---

func TestSearch_ReturnsResultArray(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe", "Basic")

	rec := s.do(http.MethodGet, "/search?query=pro")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var results []domain.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&results))
	require.Len(t, results, 1)
	assert.Equal(t, "Pro Deluxe", results[0].Name)
}

func TestSearch_NoHitsIsEmptyArray(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe")

	rec := s.do(http.MethodGet, "/search?query=nothing")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSearch_MissingQueryIs400(t *testing.T) {
	s := newTestServer(t)

	for _, target := range []string{"/search", "/search?query=", "/search?query=%20%20"} {
		rec := s.do(http.MethodGet, target)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
		env := decodeEnvelope(t, rec)
		require.NotNil(t, env.Error)
		assert.Equal(t, "INVALID_QUERY", env.Error.Code)
	}
}

func TestSearch_IndexDownIs503WithoutInternals(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe")
	s.eng.FailOn(idxmem.OpSearch, errors.New("dial tcp 10.1.2.3:9200: connection refused"))

	rec := s.do(http.MethodGet, "/search?query=pro")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.1.2.3")
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "INDEX_UNAVAILABLE", env.Error.Code)
}

func TestSearch_CacheDownStillServes(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe")
	s.store.FailWith(errors.New("connection refused"))

	rec := s.do(http.MethodGet, "/search?query=pro")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// --- /suggestions ---

func TestSuggestions(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe")

	rec := s.do(http.MethodGet, "/suggestions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = s.do(http.MethodGet, "/suggestions?query=Pro")
	require.Equal(t, http.StatusOK, rec.Code)
	var options []map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&options))
	require.Len(t, options, 1)
	assert.Equal(t, "Pro Deluxe", options[0]["text"])
	assert.Equal(t, "1", options[0]["_id"])
	assert.Contains(t, options[0], "_source")
}

// --- /update ---

func TestUpdate_Success(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe")
	s.src.Put(domain.ProductRecord{ID: 2, Name: "Wand"}, time.Now().Add(time.Second))

	rec := s.do(http.MethodGet, "/update")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Update successful!", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	doc, err := s.eng.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Wand", doc.Name)
}

func TestUpdate_RateLimitedPerClient(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe")
	s.handler = NewRouter(RouterConfig{
		SearchService:   service.NewSearchService(s.eng, cache.NewLayer(s.store, time.Minute), slog.New(slog.NewTextHandler(io.Discard, nil))),
		Syncer:          s.coord,
		Health:          health.NewHandler(),
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		UpdatePerMinute: 1,
		UpdateBurst:     1,
	})

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/update").Code)
	rec := s.do(http.MethodGet, "/update")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Queries are not limited.
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/search?query=deluxe").Code)
}

func TestUpdate_NothingChanged(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe")

	rec := s.do(http.MethodGet, "/update")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Update successful!", rec.Body.String())
}

func TestUpdate_PartialIs207(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe")
	s.src.Put(domain.ProductRecord{ID: 2, Name: "Wand"}, time.Now().Add(time.Second))
	s.src.Put(domain.ProductRecord{ID: 3, Name: "Ring"}, time.Now().Add(time.Second))
	s.eng.FailUpsertOf(3, apperrors.MalformedRecord("document rejected", nil))

	rec := s.do(http.MethodGet, "/update")
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	env := decodeEnvelope(t, rec)
	var report domain.SyncReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, domain.OutcomePartial, report.Outcome)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, int64(3), report.Failures[0].ID)
}

func TestUpdate_SourceDownIs503(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe")
	s.src.FailWith(errors.New("password authentication failed"))

	rec := s.do(http.MethodGet, "/update")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "SOURCE_UNAVAILABLE", env.Error.Code)
}

// --- /admin ---

func TestAdmin_RejectsOutsideAllowlist(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/reindex", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, s.eng.Generations(), "no rebuild may start")
}

func TestAdmin_Reindex(t *testing.T) {
	s := newTestServer(t)
	s.src.Put(domain.ProductRecord{ID: 1, Name: "Pro Deluxe"}, time.Now())

	rec := s.do(http.MethodPost, "/admin/reindex")
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	var report domain.SyncReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, domain.ModeFull, report.Mode)
	assert.Equal(t, 1, report.Indexed)
	assert.True(t, report.Published)
}

func TestAdmin_ReindexSchemaConflictIs409(t *testing.T) {
	s := newTestServer(t)
	s.eng.FailOn(idxmem.OpEnsureSchema, apperrors.SchemaConflict("index creation rejected", nil))

	rec := s.do(http.MethodPost, "/admin/reindex")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SCHEMA_CONFLICT", decodeEnvelope(t, rec).Error.Code)
}

func TestAdmin_ReindexAllRecordsFailedIs502(t *testing.T) {
	s := newTestServer(t)
	s.src.Put(domain.ProductRecord{ID: 1, Name: "Pro Deluxe"}, time.Now())
	s.eng.FailOn(idxmem.OpUpsert, apperrors.IndexUnavailable("upsert", nil))

	rec := s.do(http.MethodPost, "/admin/reindex")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "SYNC_FAILED", decodeEnvelope(t, rec).Error.Code)
}

func TestAdmin_DeleteProduct(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe")

	rec := s.do(http.MethodDelete, "/admin/products/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodDelete, "/admin/products/1")
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := s.eng.Get(context.Background(), 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	rec = s.do(http.MethodDelete, "/admin/products/1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_UpdateMapping(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "Pro Deluxe")

	rec := s.do(http.MethodPut, "/admin/mapping")
	require.Equal(t, http.StatusOK, rec.Code)

	s.eng.FailOn(idxmem.OpUpdateMapping, apperrors.SchemaConflict("mapping update rejected", nil))
	rec = s.do(http.MethodPut, "/admin/mapping")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// --- ambient routes ---

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	s.do(http.MethodGet, "/search?query=x")
	rec = s.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `search_http_requests_total{method="GET",route="/search"`), body)
}

func TestPprofIsOffByDefault(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

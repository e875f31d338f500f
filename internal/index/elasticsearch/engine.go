// Package elasticsearch implements the product index on Elasticsearch.
//
// Documents live in physical generations named "<alias>_<unix nanos>". The
// alias always points at exactly one published generation, so a full
// rebuild never exposes a half-filled index to readers.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
	"github.com/DamienDrash/webshop-product-search/internal/index"
	"github.com/DamienDrash/webshop-product-search/pkg/database"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
)

// DefaultAlias is the name readers query.
const DefaultAlias = "products"

// DefaultTimeout bounds every request to the cluster.
const DefaultTimeout = 10 * time.Second

// Config configures the engine.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	Alias     string
	Timeout   time.Duration
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Engine is an Elasticsearch-backed index.Engine.
type Engine struct {
	client  *elasticsearch.Client
	alias   string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

var _ index.Engine = (*Engine)(nil)

// esErrorResponse is used to decode Elasticsearch error responses.
type esErrorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}

// New creates an engine. It does not contact the cluster; call Bootstrap
// to make sure a live generation exists.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Alias == "" {
		cfg.Alias = DefaultAlias
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: failed to create client: %w", err)
	}

	return &Engine{
		client:  client,
		alias:   cfg.Alias,
		timeout: cfg.Timeout,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Alias returns the name readers query.
func (e *Engine) Alias() string {
	return e.alias
}

// Ping checks whether the cluster is reachable.
func (e *Engine) Ping(ctx context.Context) (err error) {
	ctx, cancel, end := e.begin(ctx, "Ping")
	defer cancel()
	defer func() { end(err) }()

	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return apperrors.IndexUnavailable("ping", err)
	}
	defer closeBody(res)

	if res.IsError() {
		return apperrors.IndexUnavailable("ping", responseError(res))
	}
	return nil
}

// EnsureSchema creates a new generation with the product mapping.
func (e *Engine) EnsureSchema(ctx context.Context) (gen index.Generation, err error) {
	ctx, cancel, end := e.begin(ctx, "EnsureSchema")
	defer cancel()
	defer func() { end(err) }()

	name := fmt.Sprintf("%s_%d", e.alias, e.now().UnixNano())
	if err := e.dropIndex(ctx, name); err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]any{
		"settings": map[string]any{"number_of_shards": 1},
		"mappings": map[string]any{"properties": index.Properties()},
	})
	if err != nil {
		return "", apperrors.Internal(err)
	}

	res, err := e.client.Indices.Create(
		name,
		e.client.Indices.Create.WithBody(bytes.NewReader(body)),
		e.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return "", apperrors.IndexUnavailable("create index", err)
	}
	defer closeBody(res)

	if res.IsError() {
		return "", schemaError("create index", "index creation rejected", res)
	}

	e.logger.Info("elasticsearch generation created", slog.String("index", name))
	return index.Generation(name), nil
}

// Publish points the alias at gen and removes every other generation.
func (e *Engine) Publish(ctx context.Context, gen index.Generation) (err error) {
	ctx, cancel, end := e.begin(ctx, "Publish")
	defer cancel()
	defer func() { end(err) }()

	if gen == index.Live {
		return apperrors.InvalidInput("cannot publish the live alias onto itself")
	}
	if err := e.refresh(ctx, string(gen)); err != nil {
		return err
	}

	current, err := e.aliasTargets(ctx)
	if err != nil {
		return err
	}

	actions := []map[string]any{
		{"add": map[string]any{"index": string(gen), "alias": e.alias}},
	}
	for _, name := range current {
		if name != string(gen) {
			actions = append(actions, map[string]any{"remove": map[string]any{"index": name, "alias": e.alias}})
		}
	}
	if len(current) == 0 {
		// A concrete index named like the alias is a pre-generation
		// deployment. It has to go in the same request for the alias to be
		// accepted.
		legacy, err := e.indexExists(ctx, e.alias)
		if err != nil {
			return err
		}
		if legacy {
			actions = append(actions, map[string]any{"remove_index": map[string]any{"index": e.alias}})
		}
	}

	body, err := json.Marshal(map[string]any{"actions": actions})
	if err != nil {
		return apperrors.Internal(err)
	}
	res, err := e.client.Indices.UpdateAliases(
		bytes.NewReader(body),
		e.client.Indices.UpdateAliases.WithContext(ctx),
	)
	if err != nil {
		return apperrors.IndexUnavailable("publish", err)
	}
	defer closeBody(res)
	if res.IsError() {
		return schemaError("publish", "alias update rejected", res)
	}

	e.logger.Info("elasticsearch generation published",
		slog.String("alias", e.alias),
		slog.String("index", string(gen)),
	)

	e.dropStale(ctx, gen)
	return nil
}

// Drop removes an unpublished generation.
func (e *Engine) Drop(ctx context.Context, gen index.Generation) (err error) {
	ctx, cancel, end := e.begin(ctx, "Drop")
	defer cancel()
	defer func() { end(err) }()

	if gen == index.Live {
		return apperrors.InvalidInput("cannot drop the live alias")
	}
	return e.dropIndex(ctx, string(gen))
}

// Bootstrap publishes an empty generation if the alias does not exist yet.
// A legacy concrete index with the alias name is left serving until the
// next full load replaces it.
func (e *Engine) Bootstrap(ctx context.Context) error {
	current, err := e.aliasTargets(ctx)
	if err != nil {
		return err
	}
	if len(current) > 0 {
		return nil
	}

	legacy, err := e.indexExists(ctx, e.alias)
	if err != nil {
		return err
	}
	if legacy {
		e.logger.Warn("concrete index occupies the alias name, a full reindex will migrate it",
			slog.String("alias", e.alias))
		return nil
	}

	gen, err := e.EnsureSchema(ctx)
	if err != nil {
		return err
	}
	return e.Publish(ctx, gen)
}

// Upsert writes doc by id into gen, or into the live generation.
func (e *Engine) Upsert(ctx context.Context, gen index.Generation, doc domain.IndexedDocument) (err error) {
	ctx, cancel, end := e.begin(ctx, "Upsert")
	defer cancel()
	defer func() { end(err) }()

	data, err := json.Marshal(doc)
	if err != nil {
		return apperrors.MalformedRecord("document could not be encoded", err)
	}

	opts := []func(*esapi.IndexRequest){
		e.client.Index.WithDocumentID(strconv.FormatInt(doc.ID, 10)),
		e.client.Index.WithContext(ctx),
	}
	if gen == index.Live {
		// Live writes must be searchable before the caller touches the cache.
		opts = append(opts, e.client.Index.WithRefresh("wait_for"))
	}
	res, err := e.client.Index(e.target(gen), bytes.NewReader(data), opts...)
	if err != nil {
		return apperrors.IndexUnavailable("upsert", err)
	}
	defer closeBody(res)

	if res.IsError() {
		if retryableStatus(res.StatusCode) {
			return apperrors.IndexUnavailable("upsert", responseError(res))
		}
		return apperrors.MalformedRecord("document rejected by index", responseError(res))
	}

	e.logger.Debug("indexed product", slog.Int64("id", doc.ID), slog.String("index", e.target(gen)))
	return nil
}

// Get returns the live document with id.
func (e *Engine) Get(ctx context.Context, id int64) (doc *domain.IndexedDocument, err error) {
	ctx, cancel, end := e.begin(ctx, "Get")
	defer cancel()
	defer func() { end(err) }()

	key := strconv.FormatInt(id, 10)
	res, err := e.client.Get(e.alias, key, e.client.Get.WithContext(ctx))
	if err != nil {
		return nil, apperrors.IndexUnavailable("get", err)
	}
	defer closeBody(res)

	if res.StatusCode == http.StatusNotFound {
		return nil, apperrors.NotFound("product", key)
	}
	if res.IsError() {
		return nil, apperrors.IndexUnavailable("get", responseError(res))
	}

	var body struct {
		Found  bool                   `json:"found"`
		Source domain.IndexedDocument `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, apperrors.IndexUnavailable("get", fmt.Errorf("decode response: %w", err))
	}
	if !body.Found {
		return nil, apperrors.NotFound("product", key)
	}
	return &body.Source, nil
}

// Delete removes the live document with id. 404 is ignored.
func (e *Engine) Delete(ctx context.Context, id int64) (err error) {
	ctx, cancel, end := e.begin(ctx, "Delete")
	defer cancel()
	defer func() { end(err) }()

	res, err := e.client.Delete(
		e.alias,
		strconv.FormatInt(id, 10),
		e.client.Delete.WithRefresh("wait_for"),
		e.client.Delete.WithContext(ctx),
	)
	if err != nil {
		return apperrors.IndexUnavailable("delete", err)
	}
	defer closeBody(res)

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return apperrors.IndexUnavailable("delete", responseError(res))
	}

	e.logger.Debug("deleted product", slog.Int64("id", id))
	return nil
}

// UpdateMapping puts field mappings on the live generation.
func (e *Engine) UpdateMapping(ctx context.Context, fields map[string]any) (err error) {
	ctx, cancel, end := e.begin(ctx, "UpdateMapping")
	defer cancel()
	defer func() { end(err) }()

	body, err := json.Marshal(map[string]any{"properties": fields})
	if err != nil {
		return apperrors.InvalidInput("mapping could not be encoded")
	}

	res, err := e.client.Indices.PutMapping(
		[]string{e.alias},
		bytes.NewReader(body),
		e.client.Indices.PutMapping.WithContext(ctx),
	)
	if err != nil {
		return apperrors.IndexUnavailable("update mapping", err)
	}
	defer closeBody(res)

	if res.IsError() {
		return schemaError("update mapping", "mapping update rejected", res)
	}
	return nil
}

// Count returns the number of live documents. A missing alias counts zero.
func (e *Engine) Count(ctx context.Context) (n int, err error) {
	ctx, cancel, end := e.begin(ctx, "Count")
	defer cancel()
	defer func() { end(err) }()

	res, err := e.client.Count(
		e.client.Count.WithIndex(e.alias),
		e.client.Count.WithContext(ctx),
	)
	if err != nil {
		return 0, apperrors.IndexUnavailable("count", err)
	}
	defer closeBody(res)

	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, apperrors.IndexUnavailable("count", responseError(res))
	}

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return 0, apperrors.IndexUnavailable("count", fmt.Errorf("decode response: %w", err))
	}
	return body.Count, nil
}

// begin applies the request timeout and opens a client span.
func (e *Engine) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, func(error)) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	ctx, end := database.Trace(ctx, database.SystemElasticsearch, op, "")
	return ctx, cancel, end
}

func (e *Engine) target(gen index.Generation) string {
	if gen == index.Live {
		return e.alias
	}
	return string(gen)
}

func (e *Engine) refresh(ctx context.Context, name string) error {
	res, err := e.client.Indices.Refresh(
		e.client.Indices.Refresh.WithIndex(name),
		e.client.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return apperrors.IndexUnavailable("refresh", err)
	}
	defer closeBody(res)
	if res.IsError() {
		return apperrors.IndexUnavailable("refresh", responseError(res))
	}
	return nil
}

// aliasTargets lists the indices the alias currently points at.
func (e *Engine) aliasTargets(ctx context.Context) ([]string, error) {
	res, err := e.client.Indices.GetAlias(
		e.client.Indices.GetAlias.WithName(e.alias),
		e.client.Indices.GetAlias.WithContext(ctx),
	)
	if err != nil {
		return nil, apperrors.IndexUnavailable("get alias", err)
	}
	defer closeBody(res)

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, apperrors.IndexUnavailable("get alias", responseError(res))
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, apperrors.IndexUnavailable("get alias", fmt.Errorf("decode response: %w", err))
	}
	names := make([]string, 0, len(body))
	for name := range body {
		names = append(names, name)
	}
	return names, nil
}

// generations lists every physical generation of the alias.
func (e *Engine) generations(ctx context.Context) ([]string, error) {
	res, err := e.client.Cat.Indices(
		e.client.Cat.Indices.WithIndex(e.alias+"_*"),
		e.client.Cat.Indices.WithH("index"),
		e.client.Cat.Indices.WithFormat("json"),
		e.client.Cat.Indices.WithContext(ctx),
	)
	if err != nil {
		return nil, apperrors.IndexUnavailable("list generations", err)
	}
	defer closeBody(res)
	if res.IsError() {
		return nil, apperrors.IndexUnavailable("list generations", responseError(res))
	}

	var rows []struct {
		Index string `json:"index"`
	}
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, apperrors.IndexUnavailable("list generations", fmt.Errorf("decode response: %w", err))
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Index)
	}
	return names, nil
}

// dropStale removes every generation except keep. Failures only leave
// garbage behind, so they are logged.
func (e *Engine) dropStale(ctx context.Context, keep index.Generation) {
	names, err := e.generations(ctx)
	if err != nil {
		e.logger.Warn("failed to list stale generations", slog.String("error", err.Error()))
		return
	}
	for _, name := range names {
		if name == string(keep) {
			continue
		}
		if err := e.dropIndex(ctx, name); err != nil {
			e.logger.Warn("failed to drop stale generation",
				slog.String("index", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.logger.Info("elasticsearch generation dropped", slog.String("index", name))
	}
}

func (e *Engine) indexExists(ctx context.Context, name string) (bool, error) {
	res, err := e.client.Indices.Exists(
		[]string{name},
		e.client.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return false, apperrors.IndexUnavailable("index exists", err)
	}
	defer closeBody(res)

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, apperrors.IndexUnavailable("index exists", fmt.Errorf("unexpected status %s", res.Status()))
	}
}

// dropIndex deletes a physical index. 404 is treated as success.
func (e *Engine) dropIndex(ctx context.Context, name string) error {
	res, err := e.client.Indices.Delete(
		[]string{name},
		e.client.Indices.Delete.WithContext(ctx),
	)
	if err != nil {
		return apperrors.IndexUnavailable("delete index", err)
	}
	defer closeBody(res)

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return apperrors.IndexUnavailable("delete index", responseError(res))
	}
	return nil
}

// schemaError classifies a rejected schema operation. Client errors mean
// the cluster refused the mapping; anything else is unavailability.
func schemaError(op, message string, res *esapi.Response) error {
	cause := responseError(res)
	if retryableStatus(res.StatusCode) {
		return apperrors.IndexUnavailable(op, cause)
	}
	return apperrors.SchemaConflict(message, cause)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// responseError extracts the error type and reason from an error response.
func responseError(res *esapi.Response) error {
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	var errResp esErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Type != "" {
		return fmt.Errorf("status %d: %s: %s", res.StatusCode, errResp.Error.Type, errResp.Error.Reason)
	}
	return errors.New("unexpected status " + res.Status())
}

func closeBody(res *esapi.Response) {
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}

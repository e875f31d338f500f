package http

import (
	"log/slog"
	"net/http"

	"github.com/DamienDrash/webshop-product-search/internal/service"
	"github.com/DamienDrash/webshop-product-search/pkg/httputil"
)

// queryParam carries the search text on both public endpoints.
const queryParam = "query"

// SearchHandler handles HTTP requests for search endpoints.
type SearchHandler struct {
	service *service.SearchService
	logger  *slog.Logger
}

// NewSearchHandler creates a new search HTTP handler.
func NewSearchHandler(svc *service.SearchService, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{
		service: svc,
		logger:  logger,
	}
}

// Search handles GET /search?query=
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.Search(r.Context(), r.URL.Query().Get(queryParam))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, results)
}

// Suggest handles GET /suggestions?query=
func (h *SearchHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	options, err := h.service.Suggest(r.Context(), r.URL.Query().Get(queryParam))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, options)
}

package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
	"github.com/DamienDrash/webshop-product-search/pkg/httputil"
)

// updateSuccessBody is what storefront tooling expects from /update.
const updateSuccessBody = "Update successful!"

// Syncer is the part of the sync coordinator exposed over HTTP.
type Syncer interface {
	FullLoad(ctx context.Context) (*domain.SyncReport, error)
	IncrementalUpdate(ctx context.Context) (*domain.SyncReport, error)
	Remove(ctx context.Context, id int64) (*domain.SyncReport, error)
	UpdateMapping(ctx context.Context) error
}

// SyncHandler triggers sync runs.
type SyncHandler struct {
	syncer Syncer
	logger *slog.Logger
}

// NewSyncHandler creates a new sync HTTP handler.
func NewSyncHandler(syncer Syncer, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{syncer: syncer, logger: logger}
}

// Update handles GET /update
func (h *SyncHandler) Update(w http.ResponseWriter, r *http.Request) {
	report, err := h.syncer.IncrementalUpdate(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if report.Clean() {
		httputil.WriteText(w, http.StatusOK, updateSuccessBody)
		return
	}
	h.writeReport(w, report)
}

// Reindex handles POST /admin/reindex
func (h *SyncHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	// A disconnecting client must not abort a rebuild half way.
	report, err := h.syncer.FullLoad(context.WithoutCancel(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeReport(w, report)
}

// DeleteProduct handles DELETE /admin/products/{id}
func (h *SyncHandler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	report, err := h.syncer.Remove(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if report.Outcome == domain.OutcomeEmpty {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.Response{
			Data:  report,
			Error: &httputil.ErrorResponse{Code: "NOT_FOUND", Message: "product is not indexed"},
		})
		return
	}
	h.writeReport(w, report)
}

// UpdateMapping handles PUT /admin/mapping
func (h *SyncHandler) UpdateMapping(w http.ResponseWriter, r *http.Request) {
	if err := h.syncer.UpdateMapping(r.Context()); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]string{"status": "mapping updated"}})
}

// writeReport maps the run outcome to a status: 200 when clean, 207 when
// some records failed and 502 when none could be synchronized.
func (h *SyncHandler) writeReport(w http.ResponseWriter, report *domain.SyncReport) {
	switch report.Outcome {
	case domain.OutcomePartial:
		httputil.WriteJSON(w, http.StatusMultiStatus, httputil.Response{Data: report})
	case domain.OutcomeFailed:
		httputil.WriteJSON(w, http.StatusBadGateway, httputil.Response{
			Data:  report,
			Error: &httputil.ErrorResponse{Code: "SYNC_FAILED", Message: "no record could be synchronized"},
		})
	default:
		httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: report})
	}
}

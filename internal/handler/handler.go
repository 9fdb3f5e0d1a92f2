// Package handler exposes order admission and availability over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/slotbook/internal/domain/admission"
	"github.com/xenking/slotbook/internal/domain/availability"
	"github.com/xenking/slotbook/internal/domain/catalog"
)

// maxBodyBytes bounds order request bodies.
const maxBodyBytes = 1 << 20

// Admitter runs the admission pipeline.
type Admitter interface {
	Admit(ctx context.Context, cat *catalog.Catalog, order *admission.ProposedOrder) (*admission.Receipt, error)
}

// Lister lists bookable slots with remaining capacity.
type Lister interface {
	List(ctx context.Context, cat *catalog.Catalog, q availability.Query) ([]availability.Slot, error)
}

// Handler serves the tenant-scoped API. Every request loads the tenant's
// catalog snapshot first; unknown tenants get 404.
type Handler struct {
	catalogs catalog.Provider
	admitter Admitter
	lister   Lister
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(catalogs catalog.Provider, admitter Admitter, lister Lister) *Handler {
	return &Handler{catalogs: catalogs, admitter: admitter, lister: lister}
}

// Register mounts the API routes on mux under /api.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/{envId}/{tenantId}/orders", h.PlaceOrder)
	mux.HandleFunc("GET /api/{envId}/{tenantId}/services/{serviceId}/availability", h.Availability)
}

func tenantOf(r *http.Request) catalog.TenantEnvironment {
	return catalog.TenantEnvironment{
		EnvironmentID: r.PathValue("envId"),
		TenantID:      r.PathValue("tenantId"),
	}
}

// loadCatalog writes the error response itself and returns nil when the
// catalog cannot be served.
func (h *Handler) loadCatalog(w http.ResponseWriter, r *http.Request) *catalog.Catalog {
	tenant := tenantOf(r)
	cat, err := h.catalogs.Catalog(r.Context(), tenant)
	if err == nil {
		return cat
	}
	if errors.Is(err, catalog.ErrUnknownTenant) {
		writeError(w, http.StatusNotFound, codeUnknownTenant, "unknown tenant "+tenant.String())
		return nil
	}
	zctx.From(r.Context()).Error("Load catalog", zap.Stringer("tenant", tenant), zap.Error(err))
	writeError(w, http.StatusBadRequest, string(admission.CodeStorageFailure), "catalog could not be loaded")
	return nil
}

const (
	codeInvalidRequest = "invalidRequest"
	codeUnknownTenant  = "unknownTenant"
)

type errorResponse struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{ErrorCode: code, ErrorMessage: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status is already written; a failed encode means the client left.
	_ = json.NewEncoder(w).Encode(v)
}

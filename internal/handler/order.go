package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/slotbook/internal/domain/admission"
)

// PlaceOrder decodes the order, runs admission against the tenant's catalog
// and returns the receipt. Every rejection is a 400 carrying the code.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed order: "+err.Error())
		return
	}

	order, err := req.domain(tenantOf(r))
	if err != nil {
		mapOrderError(w, r, err)
		return
	}

	cat := h.loadCatalog(w, r)
	if cat == nil {
		return
	}

	receipt, err := h.admitter.Admit(r.Context(), cat, order)
	if err != nil {
		mapOrderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// mapOrderError converts domain errors to error responses.
func mapOrderError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *admission.RequestError
	if errors.As(err, &reqErr) {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, reqErr.Error())
		return
	}

	var aerr *admission.Error
	if errors.As(err, &aerr) {
		msg := aerr.Message
		if aerr.Code == admission.CodeStorageFailure {
			// Details stay in the logs.
			msg = "order could not be stored"
		}
		writeError(w, http.StatusBadRequest, string(aerr.Code), msg)
		return
	}

	zctx.From(r.Context()).Error("Unexpected admission error", zap.Error(err))
	writeError(w, http.StatusBadRequest, string(admission.CodeStorageFailure), "order could not be stored")
}

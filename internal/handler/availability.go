package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/slotbook/internal/domain/admission"
	"github.com/xenking/slotbook/internal/domain/availability"
	"github.com/xenking/slotbook/internal/domain/catalog"
)

// Availability lists the service's timeslots at a location for each date in
// [fromDate, toDate], with remaining capacity and price.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := availability.Query{
		ServiceID:  r.PathValue("serviceId"),
		LocationID: query.Get("locationId"),
	}
	if q.LocationID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "locationId is required")
		return
	}

	var err error
	if q.From, err = catalog.ParseDate(query.Get("fromDate")); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "fromDate: expected YYYY-MM-DD")
		return
	}
	if q.To, err = catalog.ParseDate(query.Get("toDate")); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "toDate: expected YYYY-MM-DD")
		return
	}

	cat := h.loadCatalog(w, r)
	if cat == nil {
		return
	}

	slots, err := h.lister.List(r.Context(), cat, q)
	switch {
	case errors.Is(err, availability.ErrUnknownService),
		errors.Is(err, availability.ErrUnknownLocation),
		errors.Is(err, availability.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	case err != nil:
		zctx.From(r.Context()).Error("List availability", zap.Error(err))
		writeError(w, http.StatusBadRequest, string(admission.CodeStorageFailure), "availability could not be read")
		return
	}

	resp := availabilityResponse{
		ServiceID:  q.ServiceID,
		LocationID: q.LocationID,
		Slots:      make(map[string][]availableSlot),
	}
	for _, s := range slots {
		resp.Slots[s.Date] = append(resp.Slots[s.Date], availableSlot{
			TimeslotID: s.TimeslotID,
			Start:      s.Start,
			End:        s.End,
			Remaining:  s.Remaining,
			Price:      toMoneyDTO(s.Price),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

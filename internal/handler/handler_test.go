package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/slotbook/internal/demo"
	"github.com/xenking/slotbook/internal/domain/admission"
	"github.com/xenking/slotbook/internal/domain/availability"
	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/storage/memory"
)

// --- Mock implementations ---

type failingProvider struct{ err error }

func (f failingProvider) Catalog(context.Context, catalog.TenantEnvironment) (*catalog.Catalog, error) {
	return nil, f.err
}

type mockAdmitter struct {
	err error
}

func (m *mockAdmitter) Admit(context.Context, *catalog.Catalog, *admission.ProposedOrder) (*admission.Receipt, error) {
	return nil, m.err
}

// --- Helpers ---

func newServer(t *testing.T) *http.ServeMux {
	t.Helper()
	cats := demo.Catalogs()
	store := memory.New()
	for _, c := range cats {
		require.NoError(t, store.LoadCoupons(context.Background(), c.Tenant, demo.Coupons(c.Tenant)))
	}
	engine, err := admission.NewEngine(store,
		admission.WithClock(func() time.Time { return time.Date(2024, 12, 1, 12, 0, 0, 0, time.UTC) }),
		admission.WithMeterProvider(noopmetric.NewMeterProvider()),
		admission.WithTracerProvider(nooptrace.NewTracerProvider()),
	)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(catalog.NewStatic(cats...), engine, availability.NewLister(store)).Register(mux)
	return mux
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

const ordersPath = "/api/dev/tenant1/orders"

// washOrder books a small car wash with wax on Monday 2024-12-23 at 09:00.
func washOrder(total int64, coupon string) string {
	couponField := ""
	if coupon != "" {
		couponField = `"couponCode": "` + coupon + `",`
	}
	return `{
	  "order": {
	    "customer": {
	      "firstName": "Mike",
	      "lastName": "Hogan",
	      "email": "mike@email.com",
	      "formData": {"postcode": "SW1A 1AA"}
	    },
	    ` + couponField + `
	    "lines": [{
	      "serviceId": "smallCarWash",
	      "locationId": "london",
	      "addOns": [{"addOnId": "wax", "quantity": 1}],
	      "date": "2024-12-23",
	      "timeslot": {"id": "nineToOne"},
	      "serviceFormData": [{"make": "Honda", "model": "Accord", "colour": "Silver", "year": 2021}]
	    }]
	  },
	  "orderTotal": {"amount": ` + jsonInt(total) + `, "currency": "GBP"}
	}`
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// --- Tests ---

func TestPlaceOrder(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "admitted",
			body:       washOrder(2000, ""),
			wantStatus: http.StatusOK,
		},
		{
			name:       "admitted with coupon",
			body:       washOrder(1600, demo.TwentyPercentOff),
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong total",
			body:       washOrder(1999, ""),
			wantStatus: http.StatusBadRequest,
			wantCode:   string(admission.CodeWrongTotalPrice),
		},
		{
			name:       "unknown coupon",
			body:       washOrder(2000, "nope"),
			wantStatus: http.StatusBadRequest,
			wantCode:   string(admission.CodeNoSuchCoupon),
		},
		{
			name:       "expired coupon",
			body:       washOrder(2000, demo.ExpiredCoupon),
			wantStatus: http.StatusBadRequest,
			wantCode:   string(admission.CodeExpiredCoupon),
		},
		{
			name:       "malformed json",
			body:       `{"order":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   codeInvalidRequest,
		},
		{
			name:       "unknown field",
			body:       `{"order": {"lines": []}, "orderTotal": {"amount": 0, "currency": "GBP"}, "extra": 1}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   codeInvalidRequest,
		},
		{
			name:       "bad date",
			body:       strings.Replace(washOrder(2000, ""), "2024-12-23", "23/12/2024", 1),
			wantStatus: http.StatusBadRequest,
			wantCode:   codeInvalidRequest,
		},
		{
			name:       "unknown service",
			body:       strings.Replace(washOrder(2000, ""), "smallCarWash", "truckWash", 1),
			wantStatus: http.StatusBadRequest,
			wantCode:   codeInvalidRequest,
		},
		{
			name:       "unknown timeslot",
			body:       strings.Replace(washOrder(2000, ""), "nineToOne", "midnight", 1),
			wantStatus: http.StatusBadRequest,
			wantCode:   string(admission.CodeNoSuchTimeslotID),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newServer(t), http.MethodPost, ordersPath, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeError(t, rec).ErrorCode)
				return
			}
			var receipt admission.Receipt
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
			assert.NotEmpty(t, receipt.OrderID)
			assert.NotEmpty(t, receipt.CustomerID)
			assert.Len(t, receipt.BookingIDs, 1)
			assert.Len(t, receipt.ReservationIDs, 1)
		})
	}
}

func TestPlaceOrder_CapacityExhausted(t *testing.T) {
	srv := newServer(t)

	// The morning slot holds two cars.
	for range 2 {
		rec := do(t, srv, http.MethodPost, ordersPath, washOrder(2000, ""))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := do(t, srv, http.MethodPost, ordersPath, washOrder(2000, ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(admission.CodeNoAvailability), decodeError(t, rec).ErrorCode)
}

func TestPlaceOrder_UnknownTenant(t *testing.T) {
	rec := do(t, newServer(t), http.MethodPost, "/api/dev/nobody/orders", washOrder(2000, ""))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeUnknownTenant, decodeError(t, rec).ErrorCode)
}

func TestPlaceOrder_StorageFailureHidesDetails(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "typed",
			err:  &admission.Error{Code: admission.CodeStorageFailure, Message: "pq: connection reset", Err: errors.New("boom")},
		},
		{
			name: "untyped",
			err:  errors.New("pq: connection reset"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			NewHandler(catalog.NewStatic(demo.Catalogs()...), &mockAdmitter{err: tt.err}, availability.NewLister(memory.New())).Register(mux)

			rec := do(t, mux, http.MethodPost, ordersPath, washOrder(2000, ""))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, string(admission.CodeStorageFailure), resp.ErrorCode)
			assert.NotContains(t, resp.ErrorMessage, "connection reset")
		})
	}
}

func TestCatalogLoadFailure(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(failingProvider{err: errors.New("redis down")}, &mockAdmitter{}, availability.NewLister(memory.New())).Register(mux)

	rec := do(t, mux, http.MethodPost, ordersPath, washOrder(2000, ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(admission.CodeStorageFailure), decodeError(t, rec).ErrorCode)
}

func TestAvailability(t *testing.T) {
	srv := newServer(t)
	rec := do(t, srv, http.MethodPost, ordersPath, washOrder(2000, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodGet,
		"/api/dev/tenant1/services/smallCarWash/availability?locationId=london&fromDate=2024-12-23&toDate=2024-12-24", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp availabilityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, demo.SmallCarWash, resp.ServiceID)
	assert.Equal(t, demo.London, resp.LocationID)
	require.Len(t, resp.Slots, 2)

	remaining := make(map[string]int)
	for _, s := range resp.Slots["2024-12-23"] {
		remaining[s.TimeslotID] = s.Remaining
		assert.Equal(t, int64(1000), s.Price.Amount)
	}
	assert.Equal(t, map[string]int{demo.NineToOne: 1, demo.OneToFour: 2, demo.FourToSix: 2}, remaining)
	assert.Len(t, resp.Slots["2024-12-24"], 3)
}

func TestAvailability_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{
			name:   "missing location",
			target: "/api/dev/tenant1/services/smallCarWash/availability?fromDate=2024-12-23&toDate=2024-12-24",
			status: http.StatusBadRequest,
			code:   codeInvalidRequest,
		},
		{
			name:   "bad from date",
			target: "/api/dev/tenant1/services/smallCarWash/availability?locationId=london&fromDate=tomorrow&toDate=2024-12-24",
			status: http.StatusBadRequest,
			code:   codeInvalidRequest,
		},
		{
			name:   "unknown service",
			target: "/api/dev/tenant1/services/truckWash/availability?locationId=london&fromDate=2024-12-23&toDate=2024-12-24",
			status: http.StatusBadRequest,
			code:   codeInvalidRequest,
		},
		{
			name:   "unknown tenant",
			target: "/api/dev/nobody/services/smallCarWash/availability?locationId=london&fromDate=2024-12-23&toDate=2024-12-24",
			status: http.StatusNotFound,
			code:   codeUnknownTenant,
		},
	}

	srv := newServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodGet, tt.target, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rec).ErrorCode)
		})
	}
}

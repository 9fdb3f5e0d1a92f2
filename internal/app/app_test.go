package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type noopTelemetry struct{}

func (noopTelemetry) TracerProvider() trace.TracerProvider { return nooptrace.NewTracerProvider() }
func (noopTelemetry) MeterProvider() metric.MeterProvider  { return noopmetric.NewMeterProvider() }

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func testConfig(t *testing.T) *Config {
	return &Config{
		Addr:      freeAddr(t),
		Storage:   StorageMemory,
		AMQP:      AMQPConfig{Exchange: "slotbook.events"},
		Admission: AdmissionConfig{TxTimeout: 5 * time.Second, MaxRetries: 3, LockTimeout: time.Second},
		Outbox: OutboxConfig{
			PollInterval: 10 * time.Millisecond,
			BatchSize:    10,
			MaxAttempts:  3,
			BaseBackoff:  10 * time.Millisecond,
			Lease:        time.Second,
		},
		RateLimit: RateLimitConfig{Max: 100, Window: time.Minute},
		Graceful:  GracefulConfig{ShutdownTimeout: 5 * time.Second},
	}
}

// orderBody books a small car wash with wax in the London morning slot.
const orderBody = `{
  "order": {
    "customer": {
      "firstName": "Mike", "lastName": "Hogan", "email": "mike@email.com",
      "formData": {"postcode": "SW1A 1AA"}
    },
    "lines": [{
      "serviceId": "smallCarWash", "locationId": "london",
      "addOns": [{"addOnId": "wax", "quantity": 1}],
      "date": "2024-12-23",
      "timeslot": {"id": "nineToOne"},
      "serviceFormData": [{"make": "Honda", "model": "Accord", "colour": "Silver", "year": 2021}]
    }]
  },
  "orderTotal": {"amount": 2000, "currency": "GBP"}
}`

func waitReady(t *testing.T, base string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 20*time.Millisecond)
}

func postOrder(t *testing.T, base, tenantPath string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(base+"/api/"+tenantPath+"/orders", "application/json", strings.NewReader(orderBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestRun_MemoryStorage(t *testing.T) {
	cfg := testConfig(t)
	core, logs := observer.New(zapcore.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, zap.New(core), noopTelemetry{}, cfg) }()

	base := "http://" + cfg.Addr
	waitReady(t, base)

	status, body := postOrder(t, base, "dev/tenant1")
	require.Equal(t, http.StatusOK, status, body)
	assert.NotEmpty(t, body["orderId"])

	status, body = postOrder(t, base, "dev/nobody")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknownTenant", body["errorCode"])

	resp, err := http.Get(base + "/api/dev/tenant1/services/smallCarWash/availability?locationId=london&fromDate=2024-12-23&toDate=2024-12-23")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"))

	// The in-memory outbox is drained to the log.
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Event").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "order.admitted", logs.FilterMessage("Event").All()[0].ContextMap()["topic"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

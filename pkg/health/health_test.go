package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func passing(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func probe(t *testing.T, h *Health, path string) (int, statusResponse) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

// runN drives the i-th registered check n times.
func runN(h *Health, i, n int) {
	for range n {
		h.run(context.Background(), h.checks[i])
	}
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		runs       int
		wantStatus int
	}{
		{name: "fresh checks are healthy", runs: 0, wantStatus: http.StatusOK},
		{name: "below failure threshold", runs: 2, wantStatus: http.StatusOK},
		{name: "at failure threshold", runs: 3, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			h.Add(Liveness, "goroutines", time.Second, failing("too many goroutines"))
			runN(h, 0, tt.runs)

			code, body := probe(t, h, "/livez")
			assert.Equal(t, tt.wantStatus, code)
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "unhealthy", body.Status)
				assert.Equal(t, "too many goroutines", body.Checks["goroutines"])
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.Add(Readiness, "postgres", time.Second, PingCheck(fakePinger{}))
	h.Add(Readiness, "redis", time.Second, failing("connection refused"))
	h.Add(Liveness, "goroutines", time.Second, failing("ignored by readiness"))

	code, body := probe(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "service is not ready", body.Checks["_readiness"])

	h.SetReady(true)
	code, _ = probe(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, h.IsReady())

	runN(h, 1, 3)
	code, body = probe(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"redis": "connection refused"}, body.Checks)
	assert.False(t, h.IsReady())

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestCheckRecovery_LogsTransitions(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var fail atomic.Bool
	fail.Store(true)

	h := New(WithLogger(zap.New(core)), WithThresholds(2, 2))
	h.Add(Readiness, "amqp", time.Second, func(context.Context) error {
		if fail.Load() {
			return errors.New("channel closed")
		}
		return nil
	})
	h.SetReady(true)

	runN(h, 0, 2)
	assert.False(t, h.IsReady())
	require.Equal(t, 1, logs.FilterMessage("Health check failing").Len())

	fail.Store(false)
	runN(h, 0, 1)
	assert.False(t, h.IsReady(), "one success is below the threshold")
	runN(h, 0, 1)
	assert.True(t, h.IsReady())
	require.Equal(t, 1, logs.FilterMessage("Health check recovered").Len())

	// Further successes do not log again.
	runN(h, 0, 3)
	assert.Equal(t, 2, logs.Len())
}

func TestStartAndStop(t *testing.T) {
	var calls atomic.Int32
	h := New()
	h.Add(Liveness, "counter", time.Second, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	h.Start(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
	time.Sleep(30 * time.Millisecond)
	stopped := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
}

func TestCheckTimeout(t *testing.T) {
	h := New(WithThresholds(1, 1))
	h.Add(Readiness, "slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h.SetReady(true)
	runN(h, 0, 1)

	assert.False(t, h.IsReady())
	assert.ErrorIs(t, h.checks[0].err(), context.DeadlineExceeded)
}

func TestConcurrentProbes(t *testing.T) {
	h := New()
	h.Add(Readiness, "postgres", time.Second, passing)
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				code, _ := probe(t, h, "/readyz")
				assert.Equal(t, http.StatusOK, code)
			}
		}()
	}
	wg.Wait()
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, PingCheck(fakePinger{})(ctx))
	assert.ErrorContains(t, PingCheck(fakePinger{err: errors.New("refused")})(ctx), "refused")

	assert.NoError(t, GoroutineCountCheck(1_000_000)(ctx))
	assert.Error(t, GoroutineCountCheck(0)(ctx))
}

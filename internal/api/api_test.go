package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var testConfig = domain.ServerConfig{
	Host:         "localhost",
	Port:         9090,
	ReadTimeout:  30,
	WriteTimeout: 30,
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type requester struct {
	err   error
	calls []string
}

func (r *requester) RequestRun(_ context.Context, tenantID, traceID string) error {
	r.calls = append(r.calls, tenantID+"/"+traceID)
	return r.err
}

func serve(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	failing := pingerFunc(func(context.Context) error { return errors.New("down") })
	s := NewServer(testConfig, "test-v1", WithLogger(quiet), WithCheck("repository", failing))

	rr := serve(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test-v1", resp.Version)
}

func TestReady(t *testing.T) {
	t.Run("AllComponentsUp", func(t *testing.T) {
		channelBus := bus.NewChannelBus(10)
		t.Cleanup(func() { channelBus.Close() })

		s := NewServer(testConfig, "test-v1",
			WithLogger(quiet),
			WithCheck("repository", repository.NewMemory()),
			WithCheck("cache", cache.NewLRUCache(10)),
			WithCheck("eventbus", channelBus),
		)

		rr := serve(t, s, httptest.NewRequest(http.MethodGet, "/ready", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp ReadyResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, resp.Ready)
		assert.Equal(t, map[string]string{
			"repository": "ok",
			"cache":      "ok",
			"eventbus":   "ok",
		}, resp.Components)
	})

	t.Run("ComponentDown", func(t *testing.T) {
		s := NewServer(testConfig, "test-v1",
			WithLogger(quiet),
			WithCheck("repository", repository.NewMemory()),
			WithCheck("cache", pingerFunc(func(context.Context) error { return errors.New("connection refused") })),
		)

		rr := serve(t, s, httptest.NewRequest(http.MethodGet, "/ready", nil))
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)

		var resp ReadyResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.False(t, resp.Ready)
		assert.Equal(t, "ok", resp.Components["repository"])
		assert.Equal(t, "connection refused", resp.Components["cache"])
	})

	t.Run("ClosedBus", func(t *testing.T) {
		channelBus := bus.NewChannelBus(10)
		require.NoError(t, channelBus.Close())

		s := NewServer(testConfig, "test-v1", WithLogger(quiet), WithCheck("eventbus", channelBus))
		rr := serve(t, s, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.ObserveRun("success", 0)
	m.PatternsTotal.WithLabelValues(string(domain.PatternRoundTrip)).Inc()

	s := NewServer(testConfig, "test-v1", WithLogger(quiet), WithMetricsHandler(m.Handler()))
	rr := serve(t, s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, `harrier_engine_runs_total{outcome="success"} 1`)
	assert.Contains(t, body, fmt.Sprintf(`harrier_patterns_detected_total{pattern=%q} 1`, domain.PatternRoundTrip))
	assert.Contains(t, body, "go_goroutines")

	t.Run("NotMountedWithoutHandler", func(t *testing.T) {
		s := NewServer(testConfig, "test-v1", WithLogger(quiet))
		rr := serve(t, s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestRequestRun(t *testing.T) {
	t.Run("Queued", func(t *testing.T) {
		runs := &requester{}
		s := NewServer(testConfig, "test-v1", WithLogger(quiet), WithRunRequester(runs))

		req := httptest.NewRequest(http.MethodPost, "/runs", nil)
		req.Header.Set(TenantIDHeader, "acme")
		req.Header.Set(RequestIDHeader, "req-1")
		rr := serve(t, s, req)
		require.Equal(t, http.StatusAccepted, rr.Code)

		var resp RunResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "acme", resp.TenantID)
		assert.Equal(t, "queued", resp.Status)
		assert.Equal(t, rr.Header().Get(TraceIDHeader), resp.TraceID)
		assert.Equal(t, []string{"acme/" + resp.TraceID}, runs.calls)
	})

	t.Run("MissingTenant", func(t *testing.T) {
		runs := &requester{}
		s := NewServer(testConfig, "test-v1", WithLogger(quiet), WithRunRequester(runs))

		rr := serve(t, s, httptest.NewRequest(http.MethodPost, "/runs", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, runs.calls)
	})

	t.Run("RejectedTenant", func(t *testing.T) {
		runs := &requester{err: fmt.Errorf("%w: tenant other is not served", domain.ErrInvalidInput)}
		s := NewServer(testConfig, "test-v1", WithLogger(quiet), WithRunRequester(runs))

		req := httptest.NewRequest(http.MethodPost, "/runs", nil)
		req.Header.Set(TenantIDHeader, "other")
		assert.Equal(t, http.StatusBadRequest, serve(t, s, req).Code)
	})

	t.Run("PublishFailure", func(t *testing.T) {
		runs := &requester{err: bus.ErrClosed}
		s := NewServer(testConfig, "test-v1", WithLogger(quiet), WithRunRequester(runs))

		req := httptest.NewRequest(http.MethodPost, "/runs", nil)
		req.Header.Set(TenantIDHeader, "acme")
		rr := serve(t, s, req)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "closed")
	})

	t.Run("NotMountedWithoutRequester", func(t *testing.T) {
		s := NewServer(testConfig, "test-v1", WithLogger(quiet))
		req := httptest.NewRequest(http.MethodPost, "/runs", nil)
		req.Header.Set(TenantIDHeader, "acme")
		assert.Equal(t, http.StatusNotFound, serve(t, s, req).Code)
	})
}

func TestTracingMiddleware(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	s := NewServer(testConfig, "test-v1", WithLogger(quiet))

	t.Run("ContinuesIncomingTrace", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		rr := serve(t, s, req)

		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rr.Header().Get(TraceIDHeader))
		assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))
	})

	t.Run("EchoesRequestID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		rr := serve(t, s, req)

		assert.Equal(t, "req-42", rr.Header().Get(RequestIDHeader))
		// Without an sdk provider or incoming trace there is no trace id.
		assert.Equal(t, "req-42", rr.Header().Get(TraceIDHeader))
	})
}

func TestRecoverMiddleware(t *testing.T) {
	s := NewServer(testConfig, "test-v1", WithLogger(quiet))
	s.Router().Get("/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rr := serve(t, s, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rr.Body.String())
}

func TestServerAddr(t *testing.T) {
	s := NewServer(testConfig, "test-v1")
	assert.Equal(t, "localhost:9090", s.Addr())
	assert.NoError(t, s.Shutdown(context.Background()))
}

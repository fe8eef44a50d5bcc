package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solbill/collector/internal/logging"
)

func TestErrorHandlerRecoversPanics(t *testing.T) {
	h := ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Code)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body.RequestID)
}

func TestErrorHandlerPropagatesRequestID(t *testing.T) {
	var seen string
	h := ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	h := NewRouter(RouterConfig{})
	plan := "AK2xA7SHMKPqvQEirLUNf4gRQjzpQZT3q6v3d62kLyzx"
	route := "/v1/plans/{plan}/entitlement"
	before := testutil.ToFloat64(httpRequestFailures.WithLabelValues(route, "client"))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/plans/"+plan+"/entitlement", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, before+3, testutil.ToFloat64(httpRequestFailures.WithLabelValues(route, "client")))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/no/such/"+plan, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Positive(t, testutil.ToFloat64(httpRequestFailures.WithLabelValues(unmatchedRoute, "client")))
}

func TestRouteLabel(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	assert.Equal(t, unmatchedRoute, routeLabel(req))

	req.Pattern = "GET /v1/status"
	assert.Equal(t, "/v1/status", routeLabel(req))

	req.Pattern = "/legacy"
	assert.Equal(t, "/legacy", routeLabel(req))
}

func TestServeListenerShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeListener(ctx, ln, NewRouter(RouterConfig{})) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/slurmscope/slurmscope/internal/errors"
)

// errChecker fails with a fixed error, or passes when err is nil.
type errChecker struct {
	err error
}

func (c errChecker) CheckHealth(ctx context.Context) error {
	return c.err
}

func probe(t *testing.T, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeHealth(t *testing.T, rec *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealthHandlerHealthy(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("registry", errChecker{})
	m.RegisterChecker("poller", errChecker{})

	rec := probe(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeHealth(t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["registry"])
	assert.Equal(t, "healthy", resp.Checks["poller"])
}

func TestHealthHandlerUnhealthyCarriesCheckDetails(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("registry", errChecker{})
	m.RegisterChecker("poller", errChecker{err: errors.New("cluster unreachable")})

	rec := probe(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)

	checks, ok := body.Error.Details["checks"].(map[string]interface{})
	require.True(t, ok, "503 body should carry per-check results")
	assert.Equal(t, "unhealthy", checks["poller"])
	assert.Equal(t, "healthy", checks["registry"])
}

func TestHealthHandlerTimeoutDegrades(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("channel", errChecker{err: context.DeadlineExceeded})

	rec := probe(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeHealth(t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["channel"])
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")

	tests := []struct {
		name   string
		checks map[string]string
		want   string
	}{
		{name: "no checks", checks: map[string]string{}, want: "healthy"},
		{name: "all healthy", checks: map[string]string{"a": "healthy", "b": "healthy"}, want: "healthy"},
		{name: "timeout degrades", checks: map[string]string{"a": "healthy", "b": "timeout"}, want: "degraded"},
		{name: "unhealthy wins over timeout", checks: map[string]string{"a": "timeout", "b": "unhealthy"}, want: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.determineOverallStatus(tt.checks))
		})
	}
}

func TestLivenessAndStartupIgnoreCheckers(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("poller", errChecker{err: errors.New("down")})

	rec := probe(t, m.LivenessHandler, "/health/live")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decodeHealth(t, rec).Status)

	rec = probe(t, m.StartupHandler, "/health/startup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "started", decodeHealth(t, rec).Status)
}

func TestReadinessHandler(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("registry", errChecker{})

	rec := probe(t, m.ReadinessHandler, "/health/ready")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeHealth(t, rec).Status)

	m.RegisterChecker("poller", errChecker{err: errors.New("down")})
	rec = probe(t, m.ReadinessHandler, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRegisterCheckerReplacesByName(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("poller", errChecker{err: errors.New("down")})
	m.RegisterChecker("poller", errChecker{})

	rec := probe(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeHealth(t, rec).Status)
}

func swapGlobalHealthManager(t *testing.T) {
	t.Helper()
	original := globalHealthManager
	t.Cleanup(func() { globalHealthManager = original })
}

func TestGlobalHealthManagerLifecycle(t *testing.T) {
	swapGlobalHealthManager(t)

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())

	InitHealthManager("0.9.0")
	require.NotNil(t, GetHealthManager())
}

func TestGlobalHandlersAfterInit(t *testing.T) {
	swapGlobalHealthManager(t)
	InitHealthManager("0.9.0")

	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}
	for path, h := range handlers {
		assert.Equal(t, http.StatusOK, probe(t, h, path).Code, path)
	}
}

func TestGlobalHandlersBeforeInit(t *testing.T) {
	swapGlobalHealthManager(t)
	globalHealthManager = nil

	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}
	for path, h := range handlers {
		assert.Equal(t, http.StatusServiceUnavailable, probe(t, h, path).Code, path)
	}
}

// Package handlers implements the HTTP handlers behind the server
// routes: health probes, version info, and the jobs API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds how long a single health checker may run.
const checkTimeout = 2 * time.Second

// HealthChecker reports whether one dependency is usable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the body of a passing health probe.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers and renders probe responses.
type HealthManager struct {
	version  string
	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager returns a manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds a named checker. Re-registering a name replaces
// the previous checker.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// runChecks evaluates every checker with a per-check timeout.
func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	for name, checker := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checker.CheckHealth(checkCtx)
		cancel()

		switch {
		case err == nil:
			results[name] = "healthy"
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

// determineOverallStatus folds per-check results into one status. Any
// unhealthy check makes the whole probe unhealthy; a timed-out check
// degrades it.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler runs all checkers and reports the aggregate status.
// Unhealthy probes answer 503 with the failing checks in the error
// details.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		writeServiceUnavailable(w, "one or more health checks failed", checks)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  status,
		Version: m.version,
		Checks:  checks,
	})
}

// LivenessHandler answers whether the process is running at all. It
// never consults checkers.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "alive", Version: m.version})
}

// ReadinessHandler answers whether the process should receive traffic.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	if m.determineOverallStatus(checks) == "unhealthy" {
		writeServiceUnavailable(w, "not ready", checks)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Version: m.version, Checks: checks})
}

// StartupHandler answers whether initial startup completed.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "started", Version: m.version})
}

var (
	healthMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide health manager.
func InitHealthManager(version string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, or nil before
// InitHealthManager runs.
func GetHealthManager() *HealthManager {
	healthMu.RLock()
	defer healthMu.RUnlock()
	return globalHealthManager
}

// HealthHandler serves /health through the global manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	m := GetHealthManager()
	if m == nil {
		writeServiceUnavailable(w, "health manager not initialized", nil)
		return
	}
	m.HealthHandler(w, r)
}

// LivenessHandler serves /health/live through the global manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m := GetHealthManager()
	if m == nil {
		writeServiceUnavailable(w, "health manager not initialized", nil)
		return
	}
	m.LivenessHandler(w, r)
}

// ReadinessHandler serves /health/ready through the global manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m := GetHealthManager()
	if m == nil {
		writeServiceUnavailable(w, "health manager not initialized", nil)
		return
	}
	m.ReadinessHandler(w, r)
}

// StartupHandler serves /health/startup through the global manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	m := GetHealthManager()
	if m == nil {
		writeServiceUnavailable(w, "health manager not initialized", nil)
		return
	}
	m.StartupHandler(w, r)
}

// writeServiceUnavailable writes the 503 error envelope, including the
// per-check results when available.
func writeServiceUnavailable(w http.ResponseWriter, message string, checks map[string]string) {
	var details map[string]interface{}
	if len(checks) > 0 {
		details = map[string]interface{}{"checks": checks}
	}

	body := struct {
		Error struct {
			Code    string                 `json:"code"`
			Message string                 `json:"message"`
			Details map[string]interface{} `json:"details,omitempty"`
		} `json:"error"`
	}{}
	body.Error.Code = "SERVICE_UNAVAILABLE"
	body.Error.Message = message
	body.Error.Details = details

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(body)
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Import phases reported by /readyz.
const (
	PhaseStarting  = "starting"
	PhaseImporting = "importing"
	PhaseComplete  = "complete"
	PhaseFailed    = "failed"
)

// HealthServer exposes /healthz and /readyz endpoints. /readyz succeeds only
// while an import is running.
type HealthServer struct {
	phase atomic.Value
}

// NewHealthServer creates a new health server in the starting phase.
func NewHealthServer() *HealthServer {
	h := &HealthServer{}
	h.phase.Store(PhaseStarting)
	return h
}

// SetPhase records the current import phase.
func (h *HealthServer) SetPhase(phase string) {
	h.phase.Store(phase)
}

// Phase returns the current import phase.
func (h *HealthServer) Phase() string {
	return h.phase.Load().(string)
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	phase := h.Phase()
	if phase == PhaseImporting {
		writeStatus(w, http.StatusOK, phase)
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, phase)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

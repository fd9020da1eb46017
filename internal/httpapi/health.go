package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
)

// BreakerView is the read side of a circuit breaker.
type BreakerView interface {
	Name() string
	State() circuitbreaker.State
}

// HealthHandler reports liveness and readiness. The service is not ready
// while any watched breaker is open.
type HealthHandler struct {
	breakers []BreakerView
}

func NewHealthHandler(breakers ...BreakerView) *HealthHandler {
	return &HealthHandler{breakers: breakers}
}

func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleLive)
	mux.HandleFunc("/ready", h.handleReady)
}

type healthResponse struct {
	Status   string            `json:"status"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

func (h *HealthHandler) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *HealthHandler) handleReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ready", Breakers: map[string]string{}}
	code := http.StatusOK
	for _, b := range h.breakers {
		state := b.State()
		resp.Breakers[b.Name()] = state.String()
		if state == circuitbreaker.StateOpen {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ABOUTME: Thin HTTP status surface: health, readiness and agent listing.
// ABOUTME: Consumed by the hivewire CLI; management routes live elsewhere.

package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hivewire/hivewire/internal/broker"
	"github.com/hivewire/hivewire/internal/connmgr"
)

// API exposes read-only status endpoints over the broker and
// connection manager.
type API struct {
	broker  *broker.Broker
	manager *connmgr.Manager
	logger  *slog.Logger
}

// New creates the status API.
func New(b *broker.Broker, m *connmgr.Manager, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		broker:  b,
		manager: m,
		logger:  logger.With("component", "httpapi"),
	}
}

// Routes registers the status endpoints on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /health/ready", a.handleReady)
	mux.HandleFunc("GET /agents", a.handleAgents)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"broker_id": a.broker.ID(),
	})
}

// handleReady reports 200 only when at least one endpoint is healthy.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	healthy := a.healthyAgents()
	status := http.StatusOK
	if len(healthy) == 0 {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, map[string]any{
		"healthy_agents": len(healthy),
		"total_agents":   len(a.allAgents()),
	})
}

func (a *API) handleAgents(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"agents":     a.allAgents(),
		"transports": a.broker.TransportInfo(),
	})
}

// The manager is optional; a broker can run without discovery.
func (a *API) allAgents() []*connmgr.Endpoint {
	if a.manager == nil {
		return nil
	}
	return a.manager.GetAllAgents()
}

func (a *API) healthyAgents() []*connmgr.Endpoint {
	if a.manager == nil {
		return nil
	}
	return a.manager.GetHealthyAgents()
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("writing response", "error", err)
	}
}

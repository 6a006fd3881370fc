package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/service"
)

// AgentHandler exposes the agent's local control surface: status inspection,
// manual refresh and explicit cache clear.
type AgentHandler struct {
	managers map[string]*service.StateManager
	logger   *zap.Logger
}

// NewAgentHandler creates an agent handler over the per-tenant managers
func NewAgentHandler(managers map[string]*service.StateManager, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		managers: managers,
		logger:   logger,
	}
}

// Register mounts the agent routes on the router
func (h *AgentHandler) Register(r *mux.Router) {
	r.HandleFunc("/v1/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/v1/tenants/{org}/refresh", h.Refresh).Methods(http.MethodPost)
	r.HandleFunc("/v1/tenants/{org}/cache", h.ClearCache).Methods(http.MethodDelete)
}

// Status handles GET /v1/status
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	statuses := make([]service.Status, 0, len(h.managers))
	for _, mgr := range h.managers {
		_, st := mgr.Current()
		statuses = append(statuses, st)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": statuses})
}

// Refresh handles POST /v1/tenants/{org}/refresh
func (h *AgentHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]

	mgr, ok := h.managers[org]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("tenant not managed by this agent"))
		return
	}

	mgr.Refresh()
	h.logger.Info("Manual refresh requested", zap.String("organization_id", org))

	w.WriteHeader(http.StatusAccepted)
}

// ClearCache handles DELETE /v1/tenants/{org}/cache
func (h *AgentHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]

	mgr, ok := h.managers[org]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("tenant not managed by this agent"))
		return
	}

	if err := mgr.ClearCache(r.Context()); err != nil {
		h.logger.Error("Cache clear failed",
			zap.String("organization_id", org),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("cache clear failed"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/metrics"
	"github.com/shelfware/stocksync/internal/service"
	"github.com/shelfware/stocksync/internal/syncerr"
)

// AdminHandler exposes the authoritative store's operations over HTTP.
type AdminHandler struct {
	publisher *service.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(publisher *service.Publisher, m *metrics.Metrics, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Register mounts the admin routes on the router. The state read is open
// (agents poll it); mutating routes go through adminOnly.
func (h *AdminHandler) Register(r *mux.Router, adminOnly func(http.Handler) http.Handler) {
	r.HandleFunc("/v1/tenants/{org}/state", h.GetState).Methods(http.MethodGet)
	r.Handle("/v1/tenants/{org}/publish", adminOnly(http.HandlerFunc(h.Publish))).Methods(http.MethodPost)
	r.Handle("/v1/tenants/{org}/invalidate", adminOnly(http.HandlerFunc(h.Invalidate))).Methods(http.MethodPost)
}

// GetState handles GET /v1/tenants/{org}/state
func (h *AdminHandler) GetState(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]
	defer h.observe("get_state", time.Now())

	state, err := h.publisher.Get(r.Context(), org)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

type publishRequest struct {
	StoragePath string `json:"storage_path"`
}

// Publish handles POST /v1/tenants/{org}/publish
func (h *AdminHandler) Publish(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]
	defer h.observe("publish", time.Now())

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.StoragePath == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("storage_path is required"))
		return
	}

	state, err := h.publisher.Publish(r.Context(), org, req.StoragePath, h.actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("Published snapshot",
		zap.String("organization_id", org),
		zap.Int64("version", state.Version),
		zap.String("storage_path", state.StoragePath))

	writeJSON(w, http.StatusOK, state)
}

// Invalidate handles POST /v1/tenants/{org}/invalidate
func (h *AdminHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]
	defer h.observe("invalidate", time.Now())

	state, err := h.publisher.Invalidate(r.Context(), org, h.actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("Invalidated tenant caches",
		zap.String("organization_id", org),
		zap.Int64("version", state.Version))

	writeJSON(w, http.StatusOK, state)
}

// actor identifies the administrative caller for the audit columns. The
// authentication collaborator injects it as a header; absent that, the
// admin token principal is anonymous.
func (h *AdminHandler) actor(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "admin"
}

func (h *AdminHandler) observe(operation string, start time.Time) {
	h.metrics.RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, syncerr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("tenant has no published dataset"))
	default:
		h.logger.Error("Admin request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.Error(err))

		switch syncerr.Classify(err) {
		case syncerr.KindTransient:
			writeJSON(w, http.StatusServiceUnavailable, errorBody("state store unavailable"))
		case syncerr.KindConflict:
			writeJSON(w, http.StatusConflict, errorBody("publish conflict"))
		default:
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

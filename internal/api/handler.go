package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/archive"
	"github.com/nidhogg/vault-term/internal/client"
	"github.com/nidhogg/vault-term/internal/gateway"
	"github.com/nidhogg/vault-term/internal/metrics"
)

// Handler holds dependencies for the bridge HTTP API.
type Handler struct {
	client  *client.Client
	tracker *metrics.Tracker
	archive *archive.Archive
	gw      *gateway.Gateway
	restGW  *gateway.RESTAdapter
	logger  *zap.Logger
}

// NewHandler creates the bridge API handler. archive may be nil when no
// Redis is configured.
func NewHandler(c *client.Client, tracker *metrics.Tracker, arch *archive.Archive,
	gw *gateway.Gateway, restGW *gateway.RESTAdapter, logger *zap.Logger) *Handler {
	return &Handler{
		client:  c,
		tracker: tracker,
		archive: arch,
		gw:      gw,
		restGW:  restGW,
		logger:  logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/history", h.getHistory)
		r.Delete("/history", h.clearHistory)

		r.Get("/models", h.listModels)

		r.Get("/metrics", h.getMetrics)
		r.Get("/metrics/requests", h.getMetricRequests)

		r.Get("/archive", h.getArchive)

		r.Mount("/gateway/rest", h.restGW.Routes())
		r.Get("/gateway/status", h.gatewayStatus)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "vault-bridge"})
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Store().Turns())
}

func (h *Handler) clearHistory(w http.ResponseWriter, r *http.Request) {
	h.client.Store().ClearAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.client.Models(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Summary())
}

func (h *Handler) getMetricRequests(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, h.tracker.Recent(limit))
}

func (h *Handler) getArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive not configured"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	views, err := h.archive.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.gw == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gateway not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, h.gw.StatusAll())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

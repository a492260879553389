package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatch-sync-client/internal/breaker"
	"dispatch-sync-client/internal/conn"
	"dispatch-sync-client/internal/resolver"
	"dispatch-sync-client/internal/store"
	"dispatch-sync-client/internal/sync"
)

type Handler struct {
	authToken string
	engine    *sync.Engine
	store     store.Store
	breaker   *breaker.Breaker
	channel   *conn.Manager
	resolver  *resolver.Resolver
}

func NewHandler(authToken string, engine *sync.Engine, st store.Store, brk *breaker.Breaker, channel *conn.Manager, res *resolver.Resolver) *Handler {
	return &Handler{
		authToken: authToken,
		engine:    engine,
		store:     st,
		breaker:   brk,
		channel:   channel,
		resolver:  res,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.authToken))

		r.Get("/queue/status", h.GetQueueStatus)
		r.Get("/queue/failed", h.ListFailedEntries)
		r.Post("/queue/drain", h.TriggerDrain)
		r.Post("/queue/failed/{id}/retry", h.RetryFailedEntry)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
		r.Delete("/conflicts/{id}", h.DiscardConflict)
		r.Get("/migration/progress", h.GetMigrationProgress)

		r.Get("/connection/status", h.GetConnectionStatus)
		r.Get("/circuit", h.GetCircuitStatus)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (h *Handler) ListFailedEntries(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	entries, err := h.store.ListFailed(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *Handler) TriggerDrain(w http.ResponseWriter, r *http.Request) {
	if !h.engine.Online() {
		respondError(w, http.StatusConflict, "client is offline")
		return
	}
	// Detached from the request context so a closed admin connection does
	// not abort the pass.
	go h.engine.Drain(context.Background())
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "drain started"})
}

func (h *Handler) RetryFailedEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Requeue(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "requeued", "id": id})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	resolution := r.URL.Query().Get("resolution")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	conflicts, err := h.resolver.List(r.Context(), resolution, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts, "count": len(conflicts)})
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Strategy string          `json:"strategy"`
		Value    json.RawMessage `json:"value,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Strategy == "" {
		respondError(w, http.StatusBadRequest, "strategy is required")
		return
	}

	err := h.resolver.Resolve(r.Context(), id, req.Strategy, req.Value)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
	case errors.Is(err, resolver.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, resolver.ErrUnknownStrategy), errors.Is(err, resolver.ErrManualValueRequired):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, resolver.ErrUnresolved):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) DiscardConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.resolver.Discard(r.Context(), id)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "discarded", "id": id})
	case errors.Is(err, resolver.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) GetMigrationProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.resolver.Progress(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

func (h *Handler) GetConnectionStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.channel.StatusSnapshot())
}

func (h *Handler) GetCircuitStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"endpoints": h.breaker.Snapshot()})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware enforces a static bearer token. With an empty token the
// surface is open, for local development.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

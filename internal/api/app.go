package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/moodtracker/internal/cacheproxy"
	"github.com/kalambet/moodtracker/internal/offline"
	"github.com/kalambet/moodtracker/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxImportBodySize  = 10 << 20 // 10MB
)

// CacheControl is the slice of the cache proxy the status surface uses.
type CacheControl interface {
	Info(ctx context.Context) (cacheproxy.Info, error)
	ClearCache(ctx context.Context) error
}

type AppDeps struct {
	Store       *storage.Store
	Coordinator *offline.Coordinator
	Cache       CacheControl // optional; nil when the cache proxy is disabled
	Token       string
	Logger      *slog.Logger
}

func (d AppDeps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewAppHandler returns the management API. Everything except /health
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/moods", handleCreateMood(deps))
		r.Get("/moods", handleListMoods(deps))
		r.Get("/moods/unsynced", handleListUnsynced(deps))
		r.Get("/moods/{id}", handleGetMood(deps))
		r.Patch("/moods/{id}", handlePatchMood(deps))
		r.Delete("/moods/{id}", handleDeleteMood(deps))

		r.Get("/queue", handleListQueue(deps))
		r.Delete("/queue", handleClearQueue(deps))
		r.Delete("/queue/{id}", handleDeleteQueueItem(deps))
		r.Post("/queue/requeue", handleRequeue(deps))

		r.Get("/settings", handleListSettings(deps))
		r.Get("/settings/{key}", handleGetSetting(deps))
		r.Put("/settings/{key}", handlePutSetting(deps))

		r.Get("/status", handleStatus(deps))
		r.Get("/connectivity", handleGetConnectivity(deps))
		r.Post("/connectivity", handleSetConnectivity(deps))

		r.Post("/maintenance/sync", handleForceSync(deps))
		r.Post("/maintenance/clear-cache", handleClearCache(deps))
		r.Post("/maintenance/clear-data", handleClearData(deps))

		r.Get("/export", handleExport(deps))
		r.Post("/import", handleImport(deps))

		r.Get("/events", handleEvents(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// storeError maps store and coordinator errors onto HTTP statuses.
func storeError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%s: not found", action)
	case errors.Is(err, storage.ErrInvalidEntry):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", action, err)
	case errors.Is(err, storage.ErrVersionConflict):
		httpError(w, http.StatusConflict, "conflict_error", "%s: %v", action, err)
	case errors.Is(err, storage.ErrStorageUnavailable):
		httpError(w, http.StatusServiceUnavailable, "storage_unavailable", "%s: %v", action, err)
	case errors.Is(err, offline.ErrOffline):
		httpError(w, http.StatusConflict, "offline_error", "%s: device is offline", action)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", action, err)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

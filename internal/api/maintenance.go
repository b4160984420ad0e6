package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/kalambet/moodtracker/internal/offline"
	"github.com/kalambet/moodtracker/internal/storage"
)

// --- Queue ---

func handleListQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			items []storage.QueueItem
			err   error
		)
		switch r.URL.Query().Get("status") {
		case "", storage.QueueStatusPending:
			items, err = deps.Store.GetQueue(r.Context())
		case storage.QueueStatusDead:
			items, err = deps.Store.GetDeadQueue(r.Context())
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "status must be pending or dead")
			return
		}
		if err != nil {
			storeError(w, err, "failed to list queue")
			return
		}
		if items == nil {
			items = []storage.QueueItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleClearQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.ClearQueue(r.Context()); err != nil {
			storeError(w, err, "failed to clear queue")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDeleteQueueItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		if err := deps.Store.RemoveFromQueue(r.Context(), id); err != nil {
			storeError(w, err, "failed to remove queue item")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRequeue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.RequeueDead(r.Context())
		if err != nil {
			storeError(w, err, "failed to requeue dead items")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
	}
}

// --- Settings ---

func handleListSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := deps.Store.GetAllSettings(r.Context())
		if err != nil {
			storeError(w, err, "failed to list settings")
			return
		}
		writeJSON(w, http.StatusOK, settings)
	}
}

func handleGetSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		value, ok, err := deps.Store.GetSetting(r.Context(), key)
		if err != nil {
			storeError(w, err, "failed to get setting")
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "setting %q not found", key)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
	}
}

func handlePutSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Value *string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Value == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "value is required")
			return
		}
		key := chi.URLParam(r, "key")
		if err := deps.Store.SaveSetting(r.Context(), key, *req.Value); err != nil {
			storeError(w, err, "failed to save setting")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": *req.Value})
	}
}

// --- Status ---

type cacheStatus struct {
	Version       string `json:"version"`
	State         string `json:"state"`
	ActiveVersion string `json:"activeVersion,omitempty"`
	SizeBytes     int64  `json:"sizeBytes"`
	Size          string `json:"size"`
}

type storageStatus struct {
	storage.StorageStats
	Usage string `json:"usage"`
	Quota string `json:"quota,omitempty"`
}

type statusResponse struct {
	Online  bool          `json:"online"`
	Storage storageStatus `json:"storage"`
	Cache   *cacheStatus  `json:"cache,omitempty"`
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.GetStorageStats(r.Context())
		if err != nil {
			storeError(w, err, "failed to read storage stats")
			return
		}
		resp := statusResponse{
			Online:  deps.Coordinator.Online(),
			Storage: storageStatus{StorageStats: stats, Usage: humanize.Bytes(uint64(stats.UsageBytes))},
		}
		if stats.QuotaBytes > 0 {
			resp.Storage.Quota = humanize.Bytes(uint64(stats.QuotaBytes))
		}

		if deps.Cache != nil {
			info, err := deps.Cache.Info(r.Context())
			if err != nil {
				deps.logger().Warn("cache info unavailable", "error", err)
			} else {
				resp.Cache = &cacheStatus{
					Version:       info.Version,
					State:         string(info.State),
					ActiveVersion: info.ActiveVersion,
					SizeBytes:     info.SizeBytes,
					Size:          humanize.Bytes(uint64(info.SizeBytes)),
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// --- Connectivity ---

func handleGetConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"online": deps.Coordinator.Online()})
	}
}

func handleSetConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Online *bool `json:"online"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "body must be {\"online\": true|false}")
			return
		}
		deps.Coordinator.ConnectivityChanged(*req.Online)
		writeJSON(w, http.StatusOK, map[string]bool{"online": deps.Coordinator.Online()})
	}
}

// --- Maintenance ---

func handleForceSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Coordinator.ForceSync(r.Context())
		switch {
		case errors.Is(err, offline.ErrOffline):
			httpError(w, http.StatusConflict, "offline_error", "cannot sync while offline")
		case errors.Is(err, offline.ErrSyncFailed):
			writeJSON(w, http.StatusBadGateway, sum)
		case err != nil:
			storeError(w, err, "sync failed")
		default:
			writeJSON(w, http.StatusOK, sum)
		}
	}
}

func handleClearCache(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Cache == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "cache proxy is not enabled")
			return
		}
		if err := deps.Cache.ClearCache(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear cache: %v", err)
			return
		}
		deps.logger().Info("cache cleared")
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleClearData(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.ClearAllData(r.Context()); err != nil {
			storeError(w, err, "failed to clear data")
			return
		}
		deps.logger().Info("all local data cleared")
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Export / import ---

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Store.ExportData(r.Context())
		if err != nil {
			storeError(w, err, "failed to export data")
			return
		}
		name := fmt.Sprintf("moodtracker-backup-%s.json", time.Now().UTC().Format("2006-01-02"))
		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "import body too large or unreadable: %v", err)
			return
		}
		var snap storage.Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid backup document: %v", err)
			return
		}

		mode := storage.ImportAppend
		if dedupe, _ := strconv.ParseBool(r.URL.Query().Get("dedupe")); dedupe {
			mode = storage.ImportSkipDuplicates
		}
		res, err := deps.Store.ImportData(r.Context(), snap, mode)
		if err != nil {
			storeError(w, err, "import failed")
			return
		}
		deps.logger().Info("data imported", "entries", res.Entries, "queue_items", res.QueueItems, "skipped", res.Skipped)
		writeJSON(w, http.StatusOK, res)
	}
}

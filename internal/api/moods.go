package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/kalambet/moodtracker/internal/storage"
)

func handleCreateMood(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var entry storage.MoodEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if entry.Mood == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "mood is required")
			return
		}

		stored, err := deps.Coordinator.AddMood(r.Context(), entry)
		if err != nil && stored.ID == 0 {
			storeError(w, err, "failed to add mood")
			return
		}
		if err != nil {
			deps.logger().Warn("mood stored but not queued", "id", stored.ID, "error", err)
		}

		setETag(w, stored.Version)
		writeJSON(w, http.StatusCreated, stored)
	}
}

func handleListMoods(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			entries []storage.MoodEntry
			err     error
		)
		if index := r.URL.Query().Get("index"); index != "" {
			if index != "timestamp" && index != "mood" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "index must be timestamp or mood")
				return
			}
			desc := r.URL.Query().Get("order") == "desc"
			entries, err = deps.Store.GetMoodEntriesByIndex(r.Context(), index, desc)
		} else {
			entries, err = deps.Store.GetAllMoodEntries(r.Context())
		}
		if err != nil {
			storeError(w, err, "failed to list moods")
			return
		}

		if limit := parseIntParam(r, "limit", 0, 0); limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}
		if entries == nil {
			entries = []storage.MoodEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleListUnsynced(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Store.GetUnsyncedEntries(r.Context())
		if err != nil {
			storeError(w, err, "failed to list unsynced moods")
			return
		}
		if entries == nil {
			entries = []storage.MoodEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleGetMood(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		entry, found, err := deps.Store.GetMoodEntry(r.Context(), id)
		if err != nil {
			storeError(w, err, "failed to get mood")
			return
		}
		if !found {
			httpError(w, http.StatusNotFound, "not_found_error", "mood entry %d not found", id)
			return
		}
		setETag(w, entry.Version)
		writeJSON(w, http.StatusOK, entry)
	}
}

// handlePatchMood merges the body into the entry. An If-Match header holding
// the entry's version turns the update into a compare-and-swap.
func handlePatchMood(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var patch storage.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var expected int64
		if v := r.Header.Get("If-Match"); v != "" {
			n, err := parseETag(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "If-Match must hold an entry version")
				return
			}
			expected = n
		}

		updated, err := deps.Coordinator.UpdateMood(r.Context(), id, patch, expected)
		if err != nil && updated.ID == 0 {
			if errors.Is(err, storage.ErrVersionConflict) {
				httpError(w, http.StatusPreconditionFailed, "conflict_error", "%v", err)
				return
			}
			storeError(w, err, "failed to update mood")
			return
		}
		if err != nil {
			deps.logger().Warn("mood updated but not queued", "id", id, "error", err)
		}

		setETag(w, updated.Version)
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteMood(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		if err := deps.Coordinator.DeleteMood(r.Context(), id); err != nil {
			storeError(w, err, "failed to delete mood")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func setETag(w http.ResponseWriter, version int64) {
	if version > 0 {
		w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(version, 10)))
	}
}

func parseETag(v string) (int64, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "W/")
	v = strings.Trim(v, `"`)
	return strconv.ParseInt(v, 10, 64)
}

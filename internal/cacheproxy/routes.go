package cacheproxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/moodtracker/internal/offline"
)

// Routes mounts the control endpoints under /__sw and hands every other
// request to the caching proxy.
func (p *Proxy) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/__sw/message", p.handleMessagePost)
	r.Post("/__sw/sync/{tag}", p.handleSync)
	r.Get("/__sw/info", p.handleInfo)
	r.NotFound(p.ServeHTTP)
	r.MethodNotAllowed(p.ServeHTTP)
	return r
}

func (p *Proxy) handleMessagePost(w http.ResponseWriter, r *http.Request) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.Type == "" {
		writeJSON(w, http.StatusBadRequest, Reply{Error: "body must be {\"type\": ...}"})
		return
	}
	reply, err := p.Send(r.Context(), msg.Type)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Reply{Error: err.Error()})
		return
	}
	status := http.StatusOK
	if reply.Error != "" {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, reply)
}

// handleSync relays a background sync request. Failures are reported but the
// request itself always succeeds; the next trigger retries.
func (p *Proxy) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if p.syncer == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "tag": tag})
		return
	}
	sum, err := p.syncer.RequestSync(r.Context(), tag)
	if errors.Is(err, offline.ErrUnknownSyncTag) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		p.logger.Warn("background sync failed", "tag", tag, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "deferred", "tag": tag, "summary": sum, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "synced", "tag": tag, "summary": sum})
}

func (p *Proxy) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := p.Info(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

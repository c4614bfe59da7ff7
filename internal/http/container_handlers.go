package httpx

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	defaultLogTail = 200
	maxLogTail     = 5000
)

func (r *Router) handleContainerGet(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, newContainerView(r.containers.Get(chi.URLParam(req, "projectID"))))
}

func (r *Router) handleContainerStart(w http.ResponseWriter, req *http.Request) {
	rec, err := r.containers.EnsureRunning(req.Context(), chi.URLParam(req, "projectID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newContainerView(rec))
}

func (r *Router) handleContainerStop(w http.ResponseWriter, req *http.Request) {
	rec, err := r.containers.Stop(req.Context(), chi.URLParam(req, "projectID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newContainerView(rec))
}

// handleContainerDelete removes the container. purge=true also deletes the
// project workspace.
func (r *Router) handleContainerDelete(w http.ResponseWriter, req *http.Request) {
	purge, _ := strconv.ParseBool(req.URL.Query().Get("purge"))
	if err := r.containers.Delete(req.Context(), chi.URLParam(req, "projectID"), purge); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleContainerLogs(w http.ResponseWriter, req *http.Request) {
	if r.logs == nil {
		r.unavailable(w, "container logs")
		return
	}
	tail := defaultLogTail
	if raw := req.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = min(n, maxLogTail)
	}
	out, err := r.logs.Tail(req.Context(), chi.URLParam(req, "projectID"), tail)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tail": tail, "logs": out})
}

func (r *Router) handleContainerStats(w http.ResponseWriter, req *http.Request) {
	if r.logs == nil {
		r.unavailable(w, "container stats")
		return
	}
	stats, err := r.logs.Stats(req.Context(), chi.URLParam(req, "projectID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatsView(stats))
}

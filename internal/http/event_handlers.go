package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/genos-ai/zeblit-sub001/internal/ws"
)

// handleEvents subscribes the caller to the project's container and
// execution events, over a websocket or, with transport=sse, an event
// stream.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if r.telemetry == nil {
		r.unavailable(w, "events")
		return
	}
	projectID := chi.URLParam(req, "projectID")
	hub := r.telemetry.Hub()
	if req.URL.Query().Get("transport") == "sse" {
		r.streamEvents(w, req, hub, projectID)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err, "project_id", projectID)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub.Register(projectID, client)
	go func() {
		defer func() {
			hub.Unregister(projectID, client)
			client.Close()
		}()
		client.Drain(context.Background())
	}()
}

func (r *Router) streamEvents(w http.ResponseWriter, req *http.Request, hub *ws.Hub, projectID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	startSSE(w)
	client := ws.NewSSEClient(w, flusher, "", r.logger)
	hub.Register(projectID, client)
	defer hub.Unregister(projectID, client)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

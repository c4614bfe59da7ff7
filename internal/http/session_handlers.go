package httpx

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/genos-ai/zeblit-sub001/internal/service/session"
	"github.com/genos-ai/zeblit-sub001/internal/ws"
)

const sessionCloseTimeout = 10 * time.Second

func (r *Router) handleSessionList(w http.ResponseWriter, req *http.Request) {
	if r.sessions == nil {
		r.unavailable(w, "sessions")
		return
	}
	list := r.sessions.List(chi.URLParam(req, "projectID"))
	views := make([]sessionView, 0, len(list))
	for _, s := range list {
		views = append(views, newSessionView(s))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleSessionWS opens an interactive session and attaches it to a
// websocket. The session is opened before the upgrade so that start
// failures surface as HTTP errors.
func (r *Router) handleSessionWS(w http.ResponseWriter, req *http.Request) {
	if r.sessions == nil {
		r.unavailable(w, "sessions")
		return
	}
	opts, err := sessionOptions(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	projectID := chi.URLParam(req, "projectID")
	s, err := r.sessions.Open(req.Context(), projectID, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	id := s.Snapshot().ID
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err, "session_id", id)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), sessionCloseTimeout)
		defer cancel()
		if cerr := r.sessions.Close(ctx, id); cerr != nil {
			r.logger.Warn("close unattached session", "error", cerr, "session_id", id)
		}
		return
	}
	if err := r.sessions.Serve(req.Context(), s, ws.NewConn(conn)); err != nil {
		r.logger.Warn("session ended with error", "error", err, "session_id", id, "project_id", projectID)
	}
}

func sessionOptions(req *http.Request) (session.OpenOptions, error) {
	q := req.URL.Query()
	opts := session.OpenOptions{
		Token:   strings.TrimSpace(q.Get("command")),
		WorkDir: strings.TrimSpace(q.Get("workdir")),
	}
	if raw := q.Get("kill_on_disconnect"); raw != "" {
		kill, err := strconv.ParseBool(raw)
		if err != nil {
			return session.OpenOptions{}, errInvalidQuery("kill_on_disconnect")
		}
		opts.KillOnDisconnect = &kill
	}
	for name, dst := range map[string]*uint{"rows": &opts.Rows, "cols": &opts.Cols} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || n == 0 {
			return session.OpenOptions{}, errInvalidQuery(name)
		}
		*dst = uint(n)
	}
	return opts, nil
}

type errInvalidQuery string

func (e errInvalidQuery) Error() string {
	return "invalid " + string(e) + " query parameter"
}

// handleSessionDelete terminates a session owned by the caller.
func (r *Router) handleSessionDelete(w http.ResponseWriter, req *http.Request) {
	if r.sessions == nil {
		r.unavailable(w, "sessions")
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for session delete", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	id := chi.URLParam(req, "sessionID")
	snap, err := r.sessions.Get(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if _, err := r.projects.Authorize(req.Context(), snap.ProjectID, info.UserID); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := r.sessions.Close(req.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

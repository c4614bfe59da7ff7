package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/genos-ai/zeblit-sub001/internal/agent"
	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/service/project"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
	maxAgentBody    = 64 << 10
)

func (r *Router) handleEnvList(w http.ResponseWriter, req *http.Request) {
	vars, err := r.projects.ListEnvVars(req.Context(), chi.URLParam(req, "projectID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if vars == nil {
		vars = []project.EnvVar{}
	}
	writeJSON(w, http.StatusOK, vars)
}

func (r *Router) handleEnvPut(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := r.projects.SetEnvVar(req.Context(), project.EnvVarInput{
		ProjectID: chi.URLParam(req, "projectID"),
		Key:       strings.TrimSpace(payload.Key),
		Value:     payload.Value,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (r *Router) handleExecutions(w http.ResponseWriter, req *http.Request) {
	if r.telemetry == nil {
		r.unavailable(w, "execution history")
		return
	}
	limit, offset := pageParams(req)
	records, err := r.telemetry.ListExecutions(req.Context(), chi.URLParam(req, "projectID"), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]executionView, 0, len(records))
	for _, rec := range records {
		views = append(views, newExecutionView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleExecutionRollups lists aggregated execution latency. bucket takes
// a Go duration such as 1m; the telemetry default applies when omitted.
func (r *Router) handleExecutionRollups(w http.ResponseWriter, req *http.Request) {
	if r.telemetry == nil {
		r.unavailable(w, "execution history")
		return
	}
	q := req.URL.Query()
	var span time.Duration
	if raw := q.Get("bucket"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid bucket duration")
			return
		}
		span = parsed
	}
	limit, _ := pageParams(req)
	rollups, err := r.telemetry.ListRollups(req.Context(), chi.URLParam(req, "projectID"), q.Get("outcome"), span, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]rollupView, 0, len(rollups))
	for _, ru := range rollups {
		views = append(views, rollupView{
			BucketStart:  formatTime(ru.BucketStart),
			BucketSpanMS: ru.BucketSpan.Milliseconds(),
			Outcome:      ru.Outcome,
			Count:        ru.Count,
			P50MS:        ru.P50MS,
			P95MS:        ru.P95MS,
			P99MS:        ru.P99MS,
			MaxMS:        ru.MaxMS,
			AvgMS:        ru.AvgMS,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func newExecutionView(rec domain.ExecutionRecord) executionView {
	return executionView{
		ID:         rec.ID,
		Args:       rec.Args,
		Shell:      rec.Shell,
		ExitCode:   rec.ExitCode,
		Outcome:    rec.Outcome,
		Error:      rec.Error,
		DurationMS: rec.DurationMS,
		StartedAt:  formatTime(rec.StartedAt),
	}
}

func pageParams(req *http.Request) (int, int) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (r *Router) handleAgentKinds(w http.ResponseWriter, _ *http.Request) {
	kinds := agent.Kinds()
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": names, "enabled": r.agents != nil})
}

func (r *Router) handleAgentDispatch(w http.ResponseWriter, req *http.Request) {
	if r.agents == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "agents are not configured", Code: "agents_disabled"})
		return
	}
	kind, err := agent.ParseKind(chi.URLParam(req, "kind"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxAgentBody)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := r.agents.Dispatch(req.Context(), kind, agent.Request{
		ProjectID: chi.URLParam(req, "projectID"),
		Prompt:    payload.Prompt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

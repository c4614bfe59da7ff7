package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/genos-ai/zeblit-sub001/internal/agent"
	"github.com/genos-ai/zeblit-sub001/internal/command"
	"github.com/genos-ai/zeblit-sub001/internal/repository"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
	"github.com/genos-ai/zeblit-sub001/internal/service/executor"
	"github.com/genos-ai/zeblit-sub001/internal/service/lifecycle"
	"github.com/genos-ai/zeblit-sub001/internal/service/project"
	"github.com/genos-ai/zeblit-sub001/internal/service/session"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeServiceError maps a service error to its HTTP status and code.
func writeServiceError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, command.ErrDecode):
		return http.StatusBadRequest, "decode_error"
	case errors.Is(err, command.ErrInvalidCommand):
		return http.StatusBadRequest, "invalid_command"
	case errors.Is(err, executor.ErrInteractiveRequiresSession):
		return http.StatusBadRequest, "interactive_requires_session"
	case errors.Is(err, runtime.ErrExecutionTimeout):
		return http.StatusOK, "execution_timeout"
	case errors.Is(err, lifecycle.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, lifecycle.ErrContainerStartTimeout):
		return http.StatusGatewayTimeout, "container_start_timeout"
	case errors.Is(err, lifecycle.ErrPortsExhausted):
		return http.StatusServiceUnavailable, "ports_exhausted"
	case errors.Is(err, runtime.ErrContainerNotFound):
		return http.StatusConflict, "container_not_found"
	case errors.Is(err, runtime.ErrContainerNotRunning):
		return http.StatusConflict, "container_not_running"
	case runtime.IsTransport(err):
		return http.StatusBadGateway, "runtime_unavailable"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, project.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, project.ErrInvalidEnvKey):
		return http.StatusBadRequest, "invalid_env_key"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, agent.ErrUnknownKind):
		return http.StatusNotFound, "unknown_agent"
	case errors.Is(err, agent.ErrEmptyPrompt):
		return http.StatusBadRequest, "empty_prompt"
	case errors.Is(err, agent.ErrNoCompleter):
		return http.StatusServiceUnavailable, "agents_disabled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

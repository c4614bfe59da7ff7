package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/genos-ai/zeblit-sub001/internal/runtime"
	"github.com/genos-ai/zeblit-sub001/internal/ws"
)

const maxExecBody = 1 << 20

type execPayload struct {
	Token string `json:"token"`
}

func decodeExecPayload(w http.ResponseWriter, req *http.Request) (string, bool) {
	var payload execPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxExecBody)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	token := strings.TrimSpace(payload.Token)
	if token == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "token is required", Code: "decode_error"})
		return "", false
	}
	return token, true
}

func (r *Router) handleExec(w http.ResponseWriter, req *http.Request) {
	if r.executor == nil {
		r.unavailable(w, "executor")
		return
	}
	token, ok := decodeExecPayload(w, req)
	if !ok {
		return
	}
	result, err := r.executor.Execute(req.Context(), chi.URLParam(req, "projectID"), token)
	timedOut := errors.Is(err, runtime.ErrExecutionTimeout)
	if err != nil && !timedOut {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(result, timedOut))
}

// handleExecStream runs a command and relays its output as SSE "output"
// events followed by one "exit" or "error" event. Errors raised before any
// output is produced are reported as a plain JSON error response.
func (r *Router) handleExecStream(w http.ResponseWriter, req *http.Request) {
	if r.executor == nil {
		r.unavailable(w, "executor")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	token, ok := decodeExecPayload(w, req)
	if !ok {
		return
	}
	out := &lazySSE{w: w, flusher: flusher, logger: r.logger}
	result, err := r.executor.Stream(req.Context(), chi.URLParam(req, "projectID"), token, out)
	timedOut := errors.Is(err, runtime.ErrExecutionTimeout)
	if err != nil && !timedOut && !out.opened() {
		writeServiceError(w, err)
		return
	}
	client := out.open()
	if err != nil && !timedOut {
		status, code := classifyError(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
		payload, _ := json.Marshal(errorBody{Error: msg, Code: code})
		_ = client.Event("error", payload)
		return
	}
	view := newResultView(result, timedOut)
	payload, _ := json.Marshal(struct {
		ExitCode   int     `json:"exit_code"`
		Truncated  bool    `json:"truncated"`
		TimedOut   bool    `json:"timed_out"`
		DurationMS float64 `json:"duration_ms"`
	}{view.ExitCode, view.Truncated, view.TimedOut, view.DurationMS})
	_ = client.Event("exit", payload)
}

// lazySSE commits the response to an event stream on the first write.
type lazySSE struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *slog.Logger
	client  *ws.SSEClient
}

func (l *lazySSE) Write(p []byte) (int, error) {
	return l.open().Write(p)
}

func (l *lazySSE) opened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client != nil
}

func (l *lazySSE) open() *ws.SSEClient {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		startSSE(l.w)
		l.client = ws.NewSSEClient(l.w, l.flusher, "output", l.logger)
	}
	return l.client
}

func startSSE(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	jwtpkg "github.com/genos-ai/zeblit-sub001/pkg/jwt"
)

type authInfo struct {
	UserID string
}

type authKey struct{}

// contextSetter lets the audit recorder see the authenticated context.
type contextSetter interface {
	SetContext(context.Context)
}

var (
	errNoCredentials  = errors.New("missing bearer token")
	errMalformedToken = errors.New("authorization header is not a bearer token")
)

// requireAuth admits requests carrying a valid access token.
func (r *Router) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token, err := accessToken(req)
		if err != nil {
			r.logger.Warn("request not authenticated", "error", err, "path", req.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="zeblit"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := jwtpkg.Parse(token, r.jwtSecret)
		if err != nil {
			r.logger.Warn("token rejected", "error", err, "path", req.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="zeblit", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), authKey{}, authInfo{UserID: claims.UserID()})
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// requireProject admits only the owner of the {projectID} in the route.
// Unknown projects and foreign projects map through writeServiceError.
func (r *Router) requireProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		info, ok := authInfoFromContext(req.Context())
		if !ok {
			r.logger.Error("project route reached without authentication", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "authorization context missing")
			return
		}
		if _, err := r.projects.Authorize(req.Context(), chi.URLParam(req, "projectID"), info.UserID); err != nil {
			writeServiceError(w, err)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authKey{}).(authInfo)
	return info, ok
}

// accessToken reads the bearer token. Streaming requests may pass it as the
// access_token query parameter because browsers cannot set headers on
// websocket or EventSource connections.
func accessToken(req *http.Request) (string, error) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header != "" {
		scheme, token, found := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", errMalformedToken
		}
		return token, nil
	}
	if streaming(req) {
		if token := strings.TrimSpace(req.URL.Query().Get("access_token")); token != "" {
			return token, nil
		}
	}
	return "", errNoCredentials
}

func streaming(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket") ||
		strings.Contains(req.Header.Get("Accept"), "text/event-stream")
}

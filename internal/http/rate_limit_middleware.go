package httpx

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimiter decides whether a keyed request fits its window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// remaining reports how many requests the window still admits.
func (d rateDecision) remaining(limit int) int {
	if n := limit - d.count; n > 0 {
		return n
	}
	return 0
}

// limit rate limits a route per authenticated user, falling back to the
// client address. Each route keeps its own window.
func (r *Router) limit(route string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if r.limiter == nil {
				next.ServeHTTP(w, req)
				return
			}
			subject := rateSubject(req)
			decision := r.limiter.Allow(route+"|"+subject, limit, window)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.remaining(limit)))
			if !decision.windowEnd.IsZero() {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
			}
			if decision.allowed {
				next.ServeHTTP(w, req)
				return
			}

			if !decision.windowEnd.IsZero() {
				wait := math.Ceil(time.Until(decision.windowEnd).Seconds())
				h.Set("Retry-After", strconv.Itoa(int(math.Max(wait, 1))))
			}
			kind, _, _ := strings.Cut(subject, ":")
			r.metrics.recordRateLimitHit(route, kind)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		})
	}
}

// rateSubject identifies the caller: the authenticated user when present,
// otherwise the client address.
func rateSubject(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	if ip := clientIP(req); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}

package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/genos-ai/zeblit-sub001/pkg/metrics"
)

type routerMetrics struct {
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
}

func newRouterMetrics(reg prometheus.Registerer) routerMetrics {
	return routerMetrics{
		requestTotal: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zeblit",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})),
		requestLatency: metrics.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zeblit",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   metrics.DurationBuckets,
		}, []string{"method", "route", "status"})),
		rateLimitHits: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zeblit",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})),
	}
}

func (m routerMetrics) recordRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m routerMetrics) recordRateLimitHit(route, key string) {
	m.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

// Package metrics holds prometheus helpers shared by the API components.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// DurationBuckets are the latency buckets, in seconds, used across the API.
var DurationBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

// Register registers c with reg and returns the collector that is actually
// registered. When an identical collector already exists it is reused, so
// components can be constructed more than once per process.
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

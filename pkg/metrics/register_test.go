package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterReusesExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := prometheus.CounterOpts{Namespace: "zeblit", Name: "things_total", Help: "things"}

	first := Register(reg, prometheus.NewCounterVec(opts, []string{"kind"}))
	second := Register(reg, prometheus.NewCounterVec(opts, []string{"kind"}))
	if first != second {
		t.Fatal("expected the already registered collector to be returned")
	}

	second.WithLabelValues("a").Inc()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 1 || families[0].GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("unexpected families %v", families)
	}
}

package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors fed by the telemetry probe and the
// scheduler, registered against a private registry so GET /metrics exposes
// only this gateway's series.
type Metrics struct {
	Registry      *prometheus.Registry
	FreeVRAMMiB   *prometheus.GaugeVec
	UsedVRAMMiB   *prometheus.GaugeVec
	ResidentCount prometheus.Gauge
	Evictions     prometheus.Counter
}

// NewMetrics constructs and registers the gateway's metric collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		FreeVRAMMiB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_gpu_free_vram_mib",
			Help: "Free VRAM in mebibytes, by GPU index, as of the last telemetry probe.",
		}, []string{"gpu"}),
		UsedVRAMMiB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_gpu_used_vram_mib",
			Help: "Used VRAM in mebibytes, by GPU index, as of the last telemetry probe.",
		}, []string{"gpu"}),
		ResidentCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_resident_models",
			Help: "Number of backend model processes currently resident.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_model_evictions_total",
			Help: "Total number of model eviction operations performed to make room for a load.",
		}),
	}

	registry.MustRegister(m.FreeVRAMMiB, m.UsedVRAMMiB, m.ResidentCount, m.Evictions)
	return m
}

// IncEvictions increments the eviction counter. Satisfies
// lifecycle.MetricsSink.
func (m *Metrics) IncEvictions() {
	m.Evictions.Inc()
}

// Observe records a telemetry snapshot against the per-GPU gauges.
func (m *Metrics) Observe(snap Snapshot) {
	for i, free := range snap.Free {
		m.FreeVRAMMiB.WithLabelValues(strconv.Itoa(i)).Set(float64(free))
	}
	for i, used := range snap.Used {
		m.UsedVRAMMiB.WithLabelValues(strconv.Itoa(i)).Set(float64(used))
	}
}

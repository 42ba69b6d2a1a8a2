package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsObserveSetsPerGPUGauges(t *testing.T) {
	m := NewMetrics()
	m.Observe(Snapshot{Total: []int{8000, 8000}, Used: []int{1000, 2000}, Free: []int{7000, 6000}})

	assert.Equal(t, float64(7000), testutil.ToFloat64(m.FreeVRAMMiB.WithLabelValues("0")))
	assert.Equal(t, float64(6000), testutil.ToFloat64(m.FreeVRAMMiB.WithLabelValues("1")))
	assert.Equal(t, float64(2000), testutil.ToFloat64(m.UsedVRAMMiB.WithLabelValues("1")))
}

func TestMetricsIncEvictions(t *testing.T) {
	m := NewMetrics()
	m.IncEvictions()
	m.IncEvictions()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Evictions))
}

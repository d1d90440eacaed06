package lsa

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gatherByName(t *testing.T, tr *Tracker) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(Metrics(tr)))
	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}
	return byName
}

func metricValue(t *testing.T, byName map[string]*dto.MetricFamily, name string) float64 {
	t.Helper()
	f, ok := byName[name]
	require.True(t, ok, "metric %s not gathered", name)
	require.Len(t, f.Metric, 1)
	m := f.Metric[0]
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestMetricsCollector(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	defer tr.Close()
	r := tr.NewRegion()
	m := &blobMigrator{size: 1000, align: 1}
	id := RegisterMigrator(m)
	defer UnregisterMigrator(id)

	ptrs := fillRegion(t, r, id, 1000, 10)
	byName := gatherByName(t, tr)

	require.Equal(t, float64(10), metricValue(t, byName, "lsa_allocations_total"))
	require.Equal(t, float64(10*1000), metricValue(t, byName, "lsa_memory_allocated_bytes_total"))
	require.Equal(t, float64(0), metricValue(t, byName, "lsa_memory_freed_bytes_total"))
	require.Equal(t, float64(10*1001), metricValue(t, byName, "lsa_used_space_bytes"))
	require.Greater(t, metricValue(t, byName, "lsa_segments_allocated_total"), float64(0))
	require.Greater(t, metricValue(t, byName, "lsa_total_space_bytes"), float64(0))
	used := metricValue(t, byName, "lsa_used_space_bytes")
	total := metricValue(t, byName, "lsa_total_space_bytes")
	require.InDelta(t, used/total, metricValue(t, byName, "lsa_occupancy_ratio"), 1e-9)

	for _, p := range ptrs[:4] {
		r.Free(p)
	}
	byName = gatherByName(t, tr)
	require.Equal(t, float64(4*1000), metricValue(t, byName, "lsa_memory_freed_bytes_total"))

	for _, p := range ptrs[4:] {
		r.Free(p)
	}
	r.Close()
}

func TestMetricsDescribeCoversCollect(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	defer tr.Close()

	c := Metrics(tr)
	descs := make(chan *prometheus.Desc, 32)
	c.Describe(descs)
	close(descs)
	known := make(map[string]bool)
	for d := range descs {
		known[d.String()] = true
	}

	metrics := make(chan prometheus.Metric, 32)
	c.Collect(metrics)
	close(metrics)
	n := 0
	for m := range metrics {
		require.True(t, known[m.Desc().String()])
		n++
	}
	require.Equal(t, len(known), n)
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshRegistry(t *testing.T) {
	t.Helper()
	old := Registry
	Registry = prometheus.NewRegistry()
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	t.Cleanup(func() { Registry = old })
}

func TestInitNodeMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitNodeMetrics("node-a")
	require.NotNil(t, m)

	m.ProbesTotal.Inc()
	m.ProbeFailures.Inc()
	m.DirectPaths.Set(3)
	m.PeerRTTMs.WithLabelValues("abcd1234").Set(12.5)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProbesTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.DirectPaths))

	families, err := Registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["meshpath_probes_total"])
	assert.True(t, names["meshpath_direct_paths"])
	assert.True(t, names["meshpath_peer_rtt_ms"])
}

func TestInitRelayMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitRelayMetrics("relay-1")
	require.NotNil(t, m)

	m.SessionsTotal.Inc()
	m.SessionsRejected.WithLabelValues("total_limit").Inc()
	m.PacketsDropped.WithLabelValues("replay").Add(4)
	m.Load.Set(42)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsTotal))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.PacketsDropped.WithLabelValues("replay")))
	assert.Equal(t, float64(42), testutil.ToFloat64(m.Load))
}

func TestDistinctConstLabelsCoexist(t *testing.T) {
	freshRegistry(t)

	// Two nodes in one process, as in integration tests, must be able to
	// register the same metric names under different label values.
	a := InitNodeMetrics("node-a")
	b := InitNodeMetrics("node-b")
	a.ProbesTotal.Inc()
	b.ProbesTotal.Add(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(a.ProbesTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(b.ProbesTotal))
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	freshRegistry(t)

	m := InitNodeMetrics("node-a")
	m.ProbesTotal.Add(100)
	m.DirectPaths.Set(5)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	contentType := resp.Header.Get("Content-Type")
	assert.True(t, strings.Contains(contentType, "text/plain") ||
		strings.Contains(contentType, "application/openmetrics-text"),
		"unexpected content type %q", contentType)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(body)

	for _, metric := range []string{
		"meshpath_probes_total",
		"meshpath_direct_paths",
		"go_goroutines",
		"process_cpu_seconds",
	} {
		assert.Contains(t, out, metric)
	}
	assert.Contains(t, out, `meshpath_probes_total{node="node-a"} 100`)
	assert.Contains(t, out, `meshpath_direct_paths{node="node-a"} 5`)
}

func TestHandlerEmptyRegistry(t *testing.T) {
	old := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = old })

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestHandlerLabeledMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitRelayMetrics("relay-1")
	m.SessionsRejected.WithLabelValues("total_limit").Inc()
	m.PacketsDropped.WithLabelValues("replay").Add(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, `meshpath_relay_sessions_rejected_total{reason="total_limit",relay="relay-1"} 1`)
	assert.Contains(t, out, `meshpath_relay_packets_dropped_total{reason="replay",relay="relay-1"} 3`)
}

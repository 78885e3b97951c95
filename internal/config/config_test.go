package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpath/meshpath/testutil"
)

func TestLoadNodeConfig(t *testing.T) {
	dir := t.TempDir()

	content := `
name: "laptop"
data_dir: "` + dir + `"
stun:
  servers: ["stun.example.com:3478"]
  timeout: "3s"
traverse:
  step_interval: "500ms"
  parallel_probes: 5
  queue_passes: 2
cache:
  max_age: "72h"
relay:
  heartbeat_interval: "15s"
  home_relays: 3
discovery:
  region: "eu-west"
  refresh_interval: "5m"
  bootstrap:
    - relay_id: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
      endpoint: "203.0.113.1:4800"
log:
  level: "debug"
`
	path := testutil.TempFile(t, dir, "node.yaml", content)

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "laptop", cfg.Name)
	assert.Equal(t, []string{"stun.example.com:3478"}, cfg.STUN.Servers)
	assert.Equal(t, 3*time.Second, cfg.STUNTimeout())

	tc := cfg.TraverseConfig()
	assert.Equal(t, 500*time.Millisecond, tc.StepInterval)
	assert.Equal(t, 5, tc.ParallelProbes)
	assert.Equal(t, 2, tc.QueuePasses)

	cc := cfg.CacheConfig()
	assert.Equal(t, 72*time.Hour, cc.MaxAge)
	assert.Equal(t, filepath.Join(dir, "connections.json"), cc.Path)

	mc := cfg.ManagerConfig()
	assert.Equal(t, 15*time.Second, mc.HeartbeatInterval)
	assert.Equal(t, 3, mc.HomeRelays)

	rc := cfg.RegistryConfig()
	assert.Equal(t, "eu-west", rc.Region)
	assert.Equal(t, 5*time.Minute, rc.RefreshInterval)
	require.Len(t, rc.Bootstrap, 1)
	assert.Equal(t, "203.0.113.1:4800", rc.Bootstrap[0].Endpoint)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestRosterPeers(t *testing.T) {
	dir := t.TempDir()
	id, _ := testutil.Identity(t)

	content := `
name: "laptop"
metrics_addr: "127.0.0.1:9100"
peers:
  - public_key: "` + id.String() + `"
    tunnel_addr: "10.42.0.7"
    endpoints: ["198.51.100.4:4800", "192.168.1.20:4800"]
    observed_endpoint: "203.0.113.77:61234"
    persistent: true
discovery:
  path: "/tmp/relays.json"
`
	path := testutil.TempFile(t, dir, "node.yaml", content)

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)

	peers, err := cfg.RosterPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, id, peers[0].PublicKey)
	assert.Equal(t, "10.42.0.7", peers[0].TunnelAddr.String())
	require.Len(t, peers[0].Endpoints, 2)
	assert.Equal(t, "198.51.100.4:4800", peers[0].Endpoints[0].String())
	assert.Equal(t, "203.0.113.77:61234", peers[0].Observed.String())
	assert.True(t, peers[0].Persistent)
}

func TestRosterPeersRejectsBadEntries(t *testing.T) {
	dir := t.TempDir()

	badKey := testutil.TempFile(t, dir, "a.yaml", `
name: "n"
peers:
  - public_key: "not-hex"
discovery: {path: "/tmp/relays.json"}
`)
	cfg, err := LoadNodeConfig(badKey)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "peers[0].public_key")

	badEp := testutil.TempFile(t, dir, "b.yaml", `
name: "n"
peers:
  - public_key: "`+strings.Repeat("ab", 32)+`"
    endpoints: ["no-port"]
discovery: {path: "/tmp/relays.json"}
`)
	cfg, err = LoadNodeConfig(badEp)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "peers[0].endpoints")

	badObs := testutil.TempFile(t, dir, "c.yaml", `
name: "n"
peers:
  - public_key: "`+strings.Repeat("ab", 32)+`"
    observed_endpoint: "198.51.100.4"
discovery: {path: "/tmp/relays.json"}
`)
	cfg, err = LoadNodeConfig(badObs)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "peers[0].observed_endpoint")
}

func TestLoadNodeConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := testutil.TempFile(t, dir, "node.yaml", `name: "minimal"`)

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/meshpath", cfg.DataDir)
	assert.Equal(t, "/var/lib/meshpath/node_key", cfg.PrivateKey)
	assert.NotEmpty(t, cfg.STUN.Servers)
	assert.Equal(t, 5*time.Second, cfg.STUNTimeout())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "/var/lib/meshpath/connections.json", cfg.Cache.Path)
	assert.Equal(t, "/var/lib/meshpath/relays.json", cfg.Discovery.Path)

	// Unset durations fall back to component defaults downstream.
	assert.Zero(t, cfg.TraverseConfig().StepInterval)
}

func TestLoadNodeConfigErrors(t *testing.T) {
	_, err := LoadNodeConfig("/nonexistent/node.yaml")
	assert.Error(t, err)

	dir := t.TempDir()
	bad := testutil.TempFile(t, dir, "bad.yaml", "name: [broken")
	_, err = LoadNodeConfig(bad)
	assert.Error(t, err)
}

func TestNodeConfigValidate(t *testing.T) {
	dir := t.TempDir()

	noName := testutil.TempFile(t, dir, "a.yaml", `discovery: {path: "/tmp/relays.json"}`)
	cfg, err := LoadNodeConfig(noName)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "name")

	badDur := testutil.TempFile(t, dir, "b.yaml", `
name: "n"
relay:
  heartbeat_interval: "soon"
`)
	cfg, err = LoadNodeConfig(badDur)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "relay.heartbeat_interval")

	badLog := testutil.TempFile(t, dir, "c.yaml", `
name: "n"
log:
  format: "xml"
`)
	cfg, err = LoadNodeConfig(badLog)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "log.format")
}

func TestLoadRelayConfig(t *testing.T) {
	dir := t.TempDir()

	content := `
data_dir: "` + dir + `"
service:
  listen_addr: ":4800"
  http_addr: ":8443"
  region: "us-east"
  max_sessions: 500
  max_sessions_per_peer: 4
  session_idle_timeout: "120s"
  bandwidth_per_session: "10mbps"
`
	path := testutil.TempFile(t, dir, "relay.yaml", content)

	cfg, err := LoadRelayConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	sc := cfg.ServiceConfig()
	assert.Equal(t, ":4800", sc.ListenAddr)
	assert.Equal(t, ":8443", sc.HTTPAddr)
	assert.Equal(t, "us-east", sc.Region)
	assert.Equal(t, 500, sc.MaxTotalSessions)
	assert.Equal(t, 4, sc.MaxSessionsPerClient)
	assert.Equal(t, 120*time.Second, sc.SessionIdleTimeout)
	assert.Equal(t, 10*1000*1000/8, sc.BytesPerSecond)
	assert.Equal(t, filepath.Join(dir, "relay_key"), cfg.PrivateKey)
}

func TestRelayConfigValidate(t *testing.T) {
	dir := t.TempDir()
	path := testutil.TempFile(t, dir, "relay.yaml", `
service:
  max_sessions: 2
  max_sessions_per_peer: 5
`)
	cfg, err := LoadRelayConfig(path)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "max_sessions_per_peer")
}

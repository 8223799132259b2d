package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/logging"
)

const fullConfig = `version: 0

server:
  listen: ":9443"
  state_dir: /srv/tunrot
  tokens_file: /etc/rathole/server.yaml
  rotation_key: env:TUNROT_ROTATION_KEY
  conflict_policy: replace
  grace_minutes: 0
  reconcile_interval: 10s
  schedule:
    stage_every: 720h
  reload:
    command: ["systemctl", "reload", "rathole"]
  tls:
    cert_file: /etc/tunrot/tls.crt
    key_file: /etc/tunrot/tls.key
  metrics:
    enabled: true

client:
  name: edge-1
  server_url: https://tunnel.example.com:9443
  rotation_key: keyring:tunrot/edge-1
  tokens_file: /etc/rathole/client.yaml
  poll_interval: 2m
  services: [ssh, web]
  reconcile_finalized: false
  reload:
    pid_file: /run/rathole.pid
    signal: USR1

notifications:
  webhooks:
    - name: ops
      url: https://hooks.example.com/tunrot
      events: [finalized, write_failed]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tunrot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg := &Config{Path: writeConfig(t, fullConfig), Logger: logging.Discard()}
	require.NoError(t, cfg.Load())

	srv, err := cfg.RequireServer()
	require.NoError(t, err)
	assert.Equal(t, ":9443", srv.Listen)
	assert.Equal(t, ConflictReplace, srv.ConflictPolicy)
	assert.Equal(t, 0, srv.Grace(), "explicit zero grace is kept")
	assert.Equal(t, 10*time.Second, srv.ReconcileInterval)
	assert.Equal(t, 720*time.Hour, srv.Schedule.StageEvery)
	assert.Equal(t, []string{"systemctl", "reload", "rathole"}, srv.Reload.Command)
	assert.Equal(t, DefaultReloadTimeout, srv.Reload.Timeout)
	assert.True(t, srv.TLS.Enabled())
	assert.True(t, srv.Metrics.Enabled)
	assert.Equal(t, "/metrics", srv.Metrics.Path)
	assert.True(t, *srv.ExposeFinalized)
	assert.Equal(t, "/srv/tunrot/backups", srv.BackupDir())
	assert.Equal(t, "/srv/tunrot/audit.log", srv.AuditPath())

	cl, err := cfg.RequireClient()
	require.NoError(t, err)
	assert.Equal(t, "edge-1", cl.Name)
	assert.Equal(t, 2*time.Minute, cl.PollInterval)
	assert.Equal(t, DefaultPollTimeout, cl.Timeout)
	assert.False(t, *cl.ReconcileFinalized)
	assert.Equal(t, "USR1", cl.Reload.Signal)
	assert.Equal(t, filepath.Join(DefaultClientStateDir, "sync-state.json"), cl.SyncStatePath())

	require.Len(t, cfg.Definition.Notifications.Webhooks, 1)
	hook := cfg.Definition.Notifications.Webhooks[0]
	assert.Equal(t, "POST", hook.Method)
	assert.Equal(t, 10, hook.TimeoutSeconds)
	assert.Equal(t, 3, hook.Retry.MaxAttempts)
}

func TestServerDefaults(t *testing.T) {
	def, err := Parse([]byte(`
server:
  tokens_file: /etc/rathole/server.yaml
  rotation_key: file:/etc/tunrot/rotation.key
`))
	require.NoError(t, err)

	s := def.Server
	assert.Equal(t, DefaultListen, s.Listen)
	assert.Equal(t, DefaultServerStateDir, s.StateDir)
	assert.Equal(t, ConflictReject, s.ConflictPolicy)
	assert.Equal(t, DefaultGraceMinutes, s.Grace())
	assert.Equal(t, DefaultTokenLength, s.TokenLength)
	assert.Equal(t, DefaultReconcileInterval, s.ReconcileInterval)
	assert.Zero(t, s.Schedule.StageEvery)
	assert.False(t, s.TLS.Enabled())
	assert.Nil(t, def.Client)
}

func TestLoadMissingFile(t *testing.T) {
	cfg := &Config{Path: filepath.Join(t.TempDir(), "nope.yaml")}
	err := cfg.Load()

	var cfgErr dserrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "path", cfgErr.Field)
}

func TestRequireSections(t *testing.T) {
	def, err := Parse([]byte(`
client:
  server_url: http://127.0.0.1:7443
  rotation_key: env:KEY
  tokens_file: client.yaml
`))
	require.NoError(t, err)

	cfg := &Config{Path: "tunrot.yaml", Definition: def}
	_, err = cfg.RequireServer()
	assert.ErrorContains(t, err, "no server section")

	cl, err := cfg.RequireClient()
	require.NoError(t, err)
	assert.True(t, *cl.ReconcileFinalized)
	assert.NotEmpty(t, cl.Name)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"no sections", `version: 0`, ""},
		{"bad version", "version: 2\nserver: {tokens_file: a, rotation_key: env:K}", "version"},
		{"server missing tokens file", "server: {rotation_key: env:K}", "server.tokens_file"},
		{"server missing key", "server: {tokens_file: a}", "server.rotation_key"},
		{"server bad key ref", "server: {tokens_file: a, rotation_key: plainsecret}", "server.rotation_key"},
		{"server bad policy", "server: {tokens_file: a, rotation_key: env:K, conflict_policy: queue}", "server.conflict_policy"},
		{"server negative grace", "server: {tokens_file: a, rotation_key: env:K, grace_minutes: -1}", "server.grace_minutes"},
		{"server short tokens", "server: {tokens_file: a, rotation_key: env:K, token_length: 8}", "server.token_length"},
		{"server half tls", "server: {tokens_file: a, rotation_key: env:K, tls: {cert_file: c}}", "server.tls"},
		{"client relative url", "client: {server_url: tunnel:7443, rotation_key: env:K, tokens_file: a}", "client.server_url"},
		{"client key in url", "client: {server_url: 'https://t/?key=x', rotation_key: env:K, tokens_file: a}", "client.server_url"},
		{"client missing tokens", "client: {server_url: https://t, rotation_key: env:K}", "client.tokens_file"},
		{"client timeout too long", "client: {server_url: https://t, rotation_key: env:K, tokens_file: a, poll_interval: 10s, timeout: 1m}", "client.timeout"},
		{"client tiny interval", "client: {server_url: https://t, rotation_key: env:K, tokens_file: a, poll_interval: 10ms}", "client.poll_interval"},
		{"webhook bad event", "server: {tokens_file: a, rotation_key: env:K}\nnotifications: {webhooks: [{name: x, url: 'https://h', events: [rollback]}]}", "notifications.webhooks.x.events"},
		{"webhook bad url", "server: {tokens_file: a, rotation_key: env:K}\nnotifications: {webhooks: [{name: x, url: 'hooks'}]}", "notifications.webhooks.x.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			var cfgErr dserrors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unclosed"))
	var cfgErr dserrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Message, "invalid YAML")

	_, err = Parse([]byte("client: {server_url: https://t, rotation_key: env:K, tokens_file: a, poll_interval: soon}"))
	assert.Error(t, err)
}

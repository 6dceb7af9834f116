package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: primary
    endpoint: https://rpc.example.com
    priority: 1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://rpc.nodegate.dev/?api-key=%s", cfg.Credentials.EndpointTemplate)
	assert.Equal(t, 3300, cfg.Credentials.DailyLimit)
	assert.Equal(t, 8, cfg.Credentials.MinSecretLength)
	assert.Equal(t, 30, cfg.Credentials.RecoveryIntervalSeconds)
	assert.Equal(t, 300, cfg.Credentials.RecoveryWaitSeconds)
	assert.False(t, cfg.Credentials.OverflowToLastShard)

	assert.Equal(t, 5, cfg.RPC.TimeoutSeconds)
	assert.Equal(t, 2, cfg.RPC.MaxRetries)

	assert.Equal(t, 60, cfg.Cache.ValueTTLSeconds)
	assert.Equal(t, 300, cfg.Cache.ComputationTTLSeconds)
	assert.Equal(t, 60, cfg.Cache.SweepIntervalSeconds)

	assert.Equal(t, 100, cfg.Batch.WindowMs)
	assert.Equal(t, 10, cfg.Batch.Size)

	assert.Equal(t, 1000, cfg.Scheduler.TickMs)
	assert.Equal(t, 60, cfg.Scheduler.PollIntervalSeconds)
	assert.Equal(t, 60, cfg.Scheduler.StaggerWindowSeconds)

	assert.Equal(t, 900, cfg.Alerts.DedupeWindowSeconds)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
credentials:
  secrets: ["secret-aaaaaaaa", "secret-bbbbbbbb", "secret-cccccccc"]
  endpoint_template: "https://node.example.com/?api-key=%s"
  daily_limit: 5000
  overflow_to_last_shard: true
providers:
  - name: primary
    endpoint: https://rpc1.example.com
    priority: 1
    max_consecutive_failures: 5
  - name: backup
    endpoint: https://rpc2.example.com
    priority: 2
rpc:
  timeout_seconds: 10
  max_retries: 3
  rps_limit: 25.0
batch:
  window_ms: 50
  size: 20
scheduler:
  poll_interval_seconds: 30
alerts:
  webhook_url: https://hooks.example.com/alerts
clients:
  - id: user_305
    entity: 9xQeWvG8wallet
    poll_interval_seconds: 15
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"secret-aaaaaaaa", "secret-bbbbbbbb", "secret-cccccccc"}, cfg.Credentials.Secrets)
	assert.Equal(t, "https://node.example.com/?api-key=%s", cfg.Credentials.EndpointTemplate)
	assert.Equal(t, 5000, cfg.Credentials.DailyLimit)
	assert.True(t, cfg.Credentials.OverflowToLastShard)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "primary", cfg.Providers[0].Name)
	assert.Equal(t, 5, cfg.Providers[0].MaxConsecutiveFailures)
	assert.Equal(t, 2, cfg.Providers[1].Priority)

	assert.Equal(t, 10, cfg.RPC.TimeoutSeconds)
	assert.Equal(t, 25.0, cfg.RPC.RPSLimit)
	assert.Equal(t, 50, cfg.Batch.WindowMs)
	assert.Equal(t, 20, cfg.Batch.Size)
	assert.Equal(t, 30, cfg.Scheduler.PollIntervalSeconds)
	assert.Equal(t, "https://hooks.example.com/alerts", cfg.Alerts.WebhookURL)

	require.Len(t, cfg.Clients, 1)
	assert.Equal(t, "user_305", cfg.Clients[0].ID)
	assert.Equal(t, 15, cfg.Clients[0].PollIntervalSeconds)
}

func TestLoadRejectsZeroProviders(t *testing.T) {
	path := writeConfig(t, `
credentials:
  secrets: ["secret-aaaaaaaa"]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no providers")
}

func TestLoadRejectsProviderWithoutEndpoint(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: broken
    priority: 1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoint")
}

func TestLoadRejectsTooManySecrets(t *testing.T) {
	path := writeConfig(t, `
credentials:
  secrets: ["secret-aaaaaaaa", "secret-bbbbbbbb", "secret-cccccccc", "secret-dddddddd"]
providers:
  - name: primary
    endpoint: https://rpc.example.com
    priority: 1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most 3")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "providers: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

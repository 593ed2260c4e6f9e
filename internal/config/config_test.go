package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "node:\n  name: node-a\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.Name)
	assert.Equal(t, "0.0.0.0:7000", cfg.Node.ListenAddr())
	assert.Equal(t, 10*time.Second, cfg.Liveness.SweepInterval)
	assert.Equal(t, 10*time.Second, cfg.Liveness.StaleThreshold)
	assert.Equal(t, 100*time.Second, cfg.Liveness.RecordTTL)
	assert.Equal(t, AckAlways, cfg.Queue.AckPolicy)
	assert.Equal(t, "", cfg.Redis.KeyPrefix)
	assert.Equal(t, "http://localhost:8086", cfg.Influx.URL())
	assert.Equal(t, "TCP", cfg.Schema.DefaultProtocol)
}

func TestLoad_YAMLValues(t *testing.T) {
	path := writeConfig(t, `
node:
  name: edge-1
  host: 127.0.0.1
  port: 7100
queue:
  url: nats://mq:4222
  ack_policy: nak_on_error
influx:
  host: influx
  port: 9999
  bucket: telemetry
liveness:
  sweep_interval: 5s
  stale_threshold: 15s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7100", cfg.Node.ListenAddr())
	assert.Equal(t, NakOnError, cfg.Queue.AckPolicy)
	assert.Equal(t, "http://influx:9999", cfg.Influx.URL())
	assert.Equal(t, "telemetry", cfg.Influx.Bucket)
	assert.Equal(t, 5*time.Second, cfg.Liveness.SweepInterval)
	assert.Equal(t, 150*time.Second, cfg.Liveness.RecordTTL)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "node:\n  name: from-file\nredis:\n  addr: file:6379\n")
	t.Setenv("IOT_NODE_NAME", "from-env")
	t.Setenv("REDIS_ADDR", "env:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Node.Name)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
}

func TestLoad_InvalidAckPolicy(t *testing.T) {
	path := writeConfig(t, "node:\n  name: n\nqueue:\n  ack_policy: maybe\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.ack_policy")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateConfig_FrameLimit(t *testing.T) {
	cfg := &Config{Node: NodeConfig{Name: "n"}}
	setDefaults(cfg)
	require.NoError(t, ValidateConfig(cfg))

	cfg.Security.MaxMessageSize = 70000
	assert.Error(t, ValidateConfig(cfg))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[log]
level = "debug"

[server]
listen = "0.0.0.0:9100"
workers = 8
heartbeat_interval = "2s"
dead_after = "30s"
etcd = ["127.0.0.1:2379"]

[client]
retry_times = 5
error_block = "1m"
read_timeout = "750ms"

[[client.servers]]
addr = "10.0.0.1:9100"
weight = 3

[[client.servers]]
addr = "10.0.0.2:9100"
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "ftrpc.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format, "defaults survive partial files")
	assert.Equal(t, "0.0.0.0:9100", cfg.Server.Listen)
	assert.Equal(t, int64(8), cfg.Server.Workers)
	assert.Equal(t, 2*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Server.DeadAfter)
	assert.Equal(t, 5, cfg.Client.RetryTimes)
	assert.Equal(t, time.Minute, cfg.Client.ErrorBlock)
	assert.Equal(t, 750*time.Millisecond, cfg.Client.ReadTimeout)
	assert.Equal(t, []Endpoint{{"10.0.0.1:9100", 3}, {"10.0.0.2:9100", 0}}, cfg.Client.Servers)

	assert.NoError(t, cfg.Server.Validate())
	assert.NoError(t, cfg.Client.Validate())
}

func TestUnknownKeysRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "[server]\nlisten_addr = \"x\"\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"FTRPC_SERVER_LISTEN":       ":7000",
		"FTRPC_ETCD":                "a:2379,b:2379",
		"FTRPC_CLIENT_SERVERS":      "h1:1=5, h2:2",
		"FTRPC_CLIENT_READ_TIMEOUT": "2s",
	}
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, ":7000", cfg.Server.Listen)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Client.Etcd)
	assert.Equal(t, []Endpoint{{"h1:1", 5}, {"h2:2", 1}}, cfg.Client.Servers)
	assert.Equal(t, 2*time.Second, cfg.Client.ReadTimeout)

	bad := map[string]string{"FTRPC_CLIENT_RETRY_TIMES": "many"}
	assert.Error(t, Default().applyEnv(func(k string) string { return bad[k] }))
}

func TestValidate(t *testing.T) {
	c := Default().Client
	assert.Error(t, c.Validate(), "no servers and no etcd")

	c.Servers = []Endpoint{{Addr: "h:1"}}
	assert.NoError(t, c.Validate())

	c.RetryTimes = 0
	assert.Error(t, c.Validate())

	s := Default().Server
	assert.NoError(t, s.Validate())
	s.HeartbeatInterval = 0
	assert.Error(t, s.Validate())

	s = Default().Server
	s.RateLimit, s.RateBurst = 10, 0
	assert.Error(t, s.Validate())
}

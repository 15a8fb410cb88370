package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agorai/bridge/internal/config"
	"github.com/agorai/bridge/internal/visibility"
)

func TestLoadBridgeDefaults(t *testing.T) {
	cfg, err := config.LoadBridge("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8765, cfg.Port)
	assert.Equal(t, "agorai.db", cfg.DBPath)
	assert.Equal(t, int64(1<<20), cfg.MaxBodySize)
	assert.Equal(t, 60, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 60, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, ":9765", cfg.MetricsAddr)
	assert.Equal(t, "0.0.0.0:8765", cfg.Addr())
}

func TestLoadBridgeEnvOverridesDefaults(t *testing.T) {
	t.Setenv("AGORAI_PORT", "9000")
	t.Setenv("AGORAI_DBPATH", "/tmp/other.db")

	cfg, err := config.LoadBridge("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/tmp/other.db", cfg.DBPath)
}

func TestLoadBridgeFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	body := `
host: 127.0.0.1
port: 1234
agents:
  - key: k1
    agent: scout
    type: assistant
    clearanceLevel: confidential
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := config.LoadBridge(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 1234, cfg.Port)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "scout", cfg.Agents[0].Agent)

	roster, err := cfg.AuthRoster()
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, visibility.Confidential, roster[0].ClearanceLevel)
}

func TestAuthRosterRejectsUnknownClearanceLevel(t *testing.T) {
	cfg := config.Bridge{Agents: []config.AgentRosterEntry{
		{Key: "k", Agent: "a", ClearanceLevel: "not-a-level"},
	}}
	_, err := cfg.AuthRoster()
	assert.Error(t, err)
}

func TestLoadAgentDefaults(t *testing.T) {
	cfg, err := config.LoadAgent("")
	require.NoError(t, err)
	assert.Equal(t, "agorai.db", cfg.DBPath)
	assert.Equal(t, "active", cfg.Mode)
	assert.Equal(t, 3*time.Second, cfg.PollInterval())
}

func TestAgentPollIntervalUsesConfiguredMilliseconds(t *testing.T) {
	cfg := config.Agent{PollIntervalMs: 500}
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
}

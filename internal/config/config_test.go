package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerAppliesDefaults(t *testing.T) {
	t.Setenv("TUNNELD_LISTEN_ADDR", "0.0.0.0:7000")
	t.Setenv("TUNNELD_DATABASE_PATH", "./test.db")

	cfg, err := LoadServer("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7000", cfg.ListenAddr)
	assert.Equal(t, "./test.db", cfg.DatabasePath)
	assert.Equal(t, 40*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 10*time.Second, cfg.PendingTimeout)
	assert.Equal(t, 30*time.Second, cfg.TrafficFlushInterval)
	assert.Equal(t, 90*time.Second, cfg.UDPIdleTimeout)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)

	assert.Same(t, cfg, GetServer())
}

func TestLoadServerRejectsMissingRequiredFields(t *testing.T) {
	t.Setenv("TUNNELD_LISTEN_ADDR", "")
	t.Setenv("TUNNELD_DATABASE_PATH", "")

	_, err := LoadServer("")
	assert.Error(t, err)
}

func TestLoadAgentAppliesDefaults(t *testing.T) {
	t.Setenv("TUNNEL_AGENT_SERVER_ADDR", "tunnel.example.com:7000")
	t.Setenv("TUNNEL_AGENT_TOKEN", "agt_test")

	cfg, err := LoadAgent("")
	require.NoError(t, err)

	assert.Equal(t, "tunnel.example.com:7000", cfg.ServerAddr)
	assert.Equal(t, "agt_test", cfg.Token)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectInitialInterval)

	assert.Same(t, cfg, GetAgent())
}

func TestLoadAgentRejectsMissingToken(t *testing.T) {
	t.Setenv("TUNNEL_AGENT_SERVER_ADDR", "tunnel.example.com:7000")
	t.Setenv("TUNNEL_AGENT_TOKEN", "")

	_, err := LoadAgent("")
	assert.Error(t, err)
}

package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skeld/internal/config"
	"skeld/internal/protocol"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:22023", cfg.ListenAddr())

	versions, err := cfg.ClientVersions()
	require.NoError(t, err)
	assert.Contains(t, versions, protocol.EncodeVersion(2022, 3, 29, 0))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skeld.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 30000
  monitor_port: 0
versions: ["2023.7.11"]
rooms:
  max_players: 10
  empty_timeout: 30s
  server_authoritative: true
reliability:
  resend_after: 750ms
log:
  level: debug
  format: json
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Address)
	assert.Empty(t, cfg.MonitorAddr())
	assert.Equal(t, 10, cfg.Rooms.MaxPlayers)
	assert.Equal(t, 30*time.Second, cfg.Rooms.EmptyTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Rooms.TickInterval)
	assert.True(t, cfg.Rooms.ServerAuthoritative)
	assert.Equal(t, 750*time.Millisecond, cfg.Reliability.ResendAfter)
	assert.True(t, cfg.Reliability.StrictOrdering)
	assert.Equal(t, []string{"2023.7.11"}, cfg.Versions)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port", func(c *config.Config) { c.Server.Port = 70000 }},
		{"version", func(c *config.Config) { c.Versions = []string{"yesterday"} }},
		{"max players", func(c *config.Config) { c.Rooms.MaxPlayers = 0 }},
		{"max rooms", func(c *config.Config) { c.Rooms.MaxRooms = -1 }},
		{"resend", func(c *config.Config) { c.Reliability.ResendInterval = 0 }},
		{"level", func(c *config.Config) { c.Log.Level = "loud" }},
		{"format", func(c *config.Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rooms: {max_players: 500}\n"), 0o600))
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	level, err := config.ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}

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
	path := filepath.Join(t.TempDir(), "pourlink.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, validate(cfg))
	assert.Equal(t, 5*time.Second, cfg.ReconnectBase())
	assert.Equal(t, 20*time.Second, cfg.ReconnectCeiling())
	assert.Equal(t, "/user/topic/cocktailprogress", cfg.Appliance.ProgressTopic)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	t.Setenv(TokenEnv, "")
	path := writeConfig(t, `
[appliance]
base_url = "https://bar.local:8443"
pump_ids = [1, 2, 3]

[reconnect]
ceiling_seconds = 40
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://bar.local:8443", cfg.Appliance.BaseURL)
	assert.Equal(t, []int64{1, 2, 3}, cfg.Appliance.PumpIDs)
	assert.Equal(t, 5, cfg.Reconnect.BaseSeconds)
	assert.Equal(t, 40, cfg.Reconnect.CeilingSeconds)
	assert.Equal(t, "/websocket", cfg.Appliance.WSPath)
}

func TestLoadTokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnv, "  secret-token ")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Appliance.Token)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"ceiling below base", "[reconnect]\nbase_seconds = 10\nceiling_seconds = 5\n"},
		{"bad scheme", "[appliance]\nbase_url = \"ftp://bar\"\n"},
		{"empty progress topic", "[appliance]\nprogress_topic = \"\"\n"},
		{"unknown log level", "[logging]\nlevel = \"chatty\"\n"},
		{"relative ws path", "[appliance]\nws_path = \"websocket\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/websocket"},
		{"https://bar.local/", "wss://bar.local/websocket"},
		{"http://bar.local/prefix?x=1", "ws://bar.local/prefix/websocket"},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Appliance.BaseURL = tt.base
		got, err := cfg.WebsocketURL()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

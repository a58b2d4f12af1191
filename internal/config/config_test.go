package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `{
	"api": {"baseUrl": "https://chat.example.com", "companyId": "co-1"},
	"push": {"url": "wss://chat.example.com/push"},
	"cache": {"path": "/tmp/convsync.db"}
}`

func TestLoadConfig_MinimalFillsDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com", cfg.API.BaseURL)
	assert.Equal(t, 5, cfg.Poll.IntervalSec)
	assert.Equal(t, 1000, cfg.Push.ReconnectBaseDelayMs)
	assert.Equal(t, 30000, cfg.Push.ReconnectMaxDelayMs)
	assert.Equal(t, 5, cfg.Push.MaxReconnectAttempts)
	assert.Equal(t, 30, cfg.Cache.TTLMin)
	assert.Equal(t, 5, cfg.Cache.SweepMin)
	assert.Equal(t, int64(5*1024*1024), cfg.Cache.ByteBudget)
	assert.Equal(t, 100, cfg.Cache.EntryCap)
	assert.Equal(t, 8084, cfg.Server.Port)
}

func TestLoadConfig_ExplicitValuesKept(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{
		"api": {"baseUrl": "https://chat.example.com", "companyId": "co-1"},
		"push": {"url": "wss://chat.example.com/push", "maxReconnectAttempts": 9},
		"poll": {"intervalSec": 2},
		"cache": {"path": "/tmp/convsync.db", "ttlMin": 60}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Push.MaxReconnectAttempts)
	assert.Equal(t, 2, cfg.Poll.IntervalSec)
	assert.Equal(t, 60, cfg.Cache.TTLMin)
}

func TestLoadConfig_MissingRequiredFields(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "no api url",
			content: `{"push": {"url": "wss://x/push"}, "cache": {"path": "/tmp/x.db"}}`,
			wantErr: ErrMissingAPIBaseURL,
		},
		{
			name:    "no company id",
			content: `{"api": {"baseUrl": "https://x"}, "push": {"url": "wss://x/push"}, "cache": {"path": "/tmp/x.db"}}`,
			wantErr: ErrMissingCompanyID,
		},
		{
			name:    "no push url",
			content: `{"api": {"baseUrl": "https://x", "companyId": "co"}, "cache": {"path": "/tmp/x.db"}}`,
			wantErr: ErrMissingPushURL,
		},
		{
			name:    "no cache path",
			content: `{"api": {"baseUrl": "https://x", "companyId": "co"}, "push": {"url": "wss://x/push"}}`,
			wantErr: ErrMissingCachePath,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.content))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CONVSYNC_API_URL", "https://override.example.com")
	t.Setenv("CONVSYNC_PORT", "9999")
	t.Setenv("CONVSYNC_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://override.example.com", cfg.API.BaseURL)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_InvalidPortOverrideIgnored(t *testing.T) {
	t.Setenv("CONVSYNC_PORT", "not-a-port")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, 8084, cfg.Server.Port)
}

func TestLoadConfig_FileErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "{not json"))
	assert.Error(t, err)
}

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
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(content), 0o600))
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "localhost", config.Server.Host)
	assert.Equal(t, 8420, config.Server.Port)
	assert.Equal(t, "memory", config.Store.Type)
	assert.Equal(t, "/oauth/callback", config.OAuth.CallbackPath)
	assert.Empty(t, config.Integrations)
}

func TestLoadConfigFull(t *testing.T) {
	dir := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
  publicBaseURL: https://assistant.example.com
store:
  type: redis
  redis:
    addr: localhost:6379
  encryptionKey: c29tZS1rZXk=
oauth:
  callbackPath: /connect/callback
  clientName: Assistant
integrations:
  - id: calendar
    serverURL: https://cal.example.com/mcp
    scopes: [read, write]
  - id: crm
    serverURL: https://crm.example.com
    clientID: static-id
    clientSecret: static-secret
`)

	config, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, "redis", config.Store.Type)
	assert.Equal(t, "localhost:6379", config.Store.Redis.Addr)
	require.Len(t, config.Integrations, 2)
	assert.Equal(t, []string{"read", "write"}, config.Integrations[0].Scopes)
	assert.Equal(t, "static-id", config.Integrations[1].ClientID)
	assert.Equal(t, "https://assistant.example.com/connect/callback", config.RedirectURI())
}

func TestLoadConfigMalformed(t *testing.T) {
	dir := writeConfig(t, "server: [not a map")
	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name: "missing id",
			mutate: func(c *Config) {
				c.Integrations = append(c.Integrations, IntegrationConfig{ServerURL: "https://x.example.com"})
			},
			wantErr: "has no id",
		},
		{
			name: "duplicate id",
			mutate: func(c *Config) {
				c.Integrations = append(c.Integrations,
					IntegrationConfig{ID: "a", ServerURL: "https://a.example.com"},
					IntegrationConfig{ID: "a", ServerURL: "https://b.example.com"})
			},
			wantErr: "duplicate integration id",
		},
		{
			name: "missing server URL",
			mutate: func(c *Config) {
				c.Integrations = append(c.Integrations, IntegrationConfig{ID: "a"})
			},
			wantErr: "has no serverURL",
		},
		{
			name: "secret without client id",
			mutate: func(c *Config) {
				c.Integrations = append(c.Integrations,
					IntegrationConfig{ID: "a", ServerURL: "https://a.example.com", ClientSecret: "s"})
			},
			wantErr: "clientSecret without a clientID",
		},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.Store.Type = "redis"
			},
			wantErr: "requires redis.addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := GetDefaultConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestRedirectURIFallsBackToListener(t *testing.T) {
	config := GetDefaultConfig()
	assert.Equal(t, "http://localhost:8420/oauth/callback", config.RedirectURI())
}

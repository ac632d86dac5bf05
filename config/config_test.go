package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/testgen/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "gemini-2.0-flash", cfg.Model.Default)
	assert.Equal(t, 3, cfg.Quota.DailyLimit)
	assert.Equal(t, []string{"active", "trialing"}, cfg.Quota.ExemptStates)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "text", cfg.Fetch.Format)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid default config", func(c *Config) {}, ""},
		{"missing model default", func(c *Config) { c.Model.Default = "" }, "model.default"},
		{"temperature too high", func(c *Config) { c.Model.Temperature = 2.5 }, "model.temperature"},
		{"negative temperature", func(c *Config) { c.Model.Temperature = -0.1 }, "model.temperature"},
		{"endpoint without provider", func(c *Config) {
			c.Model.Endpoints = map[string]*model.EndpointConfig{"x": {URL: "http://x"}}
		}, "model.endpoints.x.provider"},
		{"zero limit", func(c *Config) { c.Quota.DailyLimit = 0 }, "quota.daily_limit"},
		{"bad timezone", func(c *Config) { c.Quota.Timezone = "Mars/Olympus" }, "quota.timezone"},
		{"bad format", func(c *Config) { c.Fetch.Format = "pdf" }, "fetch.format"},
		{"bad deny pattern", func(c *Config) { c.Fetch.DenyHosts = []string{"[a-"} }, "fetch.deny_hosts"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.backend"},
		{"nats without url", func(c *Config) {
			c.Storage.Backend = "nats"
			c.Storage.Embedded = false
		}, "storage.nats_url"},
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExpandEnvWithDefaults(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		env      map[string]string
		expected string
	}{
		{"default used when var unset", `${TG_API_URL:-http://localhost:11434}/v1`, nil, `http://localhost:11434/v1`},
		{"env value used when set", `${TG_API_URL:-http://localhost:11434}/v1`, map[string]string{"TG_API_URL": "http://prod:8080"}, `http://prod:8080/v1`},
		{"multiple vars", `nats://${TG_HOST:-localhost}:${TG_PORT:-4222}`, map[string]string{"TG_HOST": "nats.prod"}, `nats://nats.prod:4222`},
		{"empty default", `prefix${TG_OPTIONAL:-}suffix`, nil, `prefixsuffix`},
		{"simple var", `${TG_SIMPLE}`, map[string]string{"TG_SIMPLE": "value"}, `value`},
		{"simple var unset", `${TG_SIMPLE}`, nil, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range []string{"TG_API_URL", "TG_HOST", "TG_PORT", "TG_OPTIONAL", "TG_SIMPLE"} {
				t.Setenv(v, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, ExpandEnvWithDefaults(tt.input))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("TG_DB_PATH", "")
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	content := `
model:
  default: local
  temperature: 0.1
  endpoints:
    local:
      provider: ollama
      url: http://gpu:11434/v1
      model: qwen2.5
fetch:
  timeout: 5s
  deny_hosts: ["*.internal"]
quota:
  daily_limit: 5
storage:
  sqlite_path: ${TG_DB_PATH:-/var/lib/testgen.db}
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Model.Default)
	assert.Equal(t, 0.1, cfg.Model.Temperature)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, []string{"*.internal"}, cfg.Fetch.DenyHosts)
	assert.Equal(t, 5, cfg.Quota.DailyLimit)
	assert.Equal(t, "/var/lib/testgen.db", cfg.Storage.SQLitePath)
	// untouched keys keep defaults
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "UTC", cfg.Quota.Timezone)
	require.NoError(t, cfg.Validate())

	reg := cfg.Model.Registry()
	assert.Equal(t, "local", reg.Default())
	require.NotNil(t, reg.GetEndpoint("local"))
	assert.Equal(t, "qwen2.5", reg.GetEndpoint("local").Model)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestModelConfig_RegistryDefaults(t *testing.T) {
	cfg := DefaultConfig()
	reg := cfg.Model.Registry()
	assert.Equal(t, "gemini-2.0-flash", reg.Default())
	assert.Contains(t, reg.ListModels(), "gpt-4o-mini")
}

func TestQuotaConfig_Location(t *testing.T) {
	assert.Equal(t, time.UTC, QuotaConfig{Timezone: "bogus/zone"}.Location())
	assert.Equal(t, "Europe/Berlin", QuotaConfig{Timezone: "Europe/Berlin"}.Location().String())
}

func TestLoader_Layering(t *testing.T) {
	home := t.TempDir()
	work := filepath.Join(t.TempDir(), "project", "sub")
	require.NoError(t, os.MkdirAll(work, 0755))

	userPath := filepath.Join(home, UserConfigDir, UserConfigFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(userPath), 0755))
	require.NoError(t, os.WriteFile(userPath, []byte("quota:\n  daily_limit: 7\nserver:\n  addr: \":9000\"\n"), 0644))

	// project config lives in a parent directory
	projectPath := filepath.Join(filepath.Dir(work), ProjectConfigFile)
	require.NoError(t, os.WriteFile(projectPath, []byte("quota:\n  daily_limit: 10\n"), 0644))

	explicit := filepath.Join(t.TempDir(), "override.yaml")
	require.NoError(t, os.WriteFile(explicit, []byte("fetch:\n  format: markdown\n"), 0644))

	l := NewLoader(nil)
	l.homeDir = home
	l.workDir = work

	cfg, err := l.Load(explicit)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr, "user layer")
	assert.Equal(t, 10, cfg.Quota.DailyLimit, "project layer overrides user")
	assert.Equal(t, "markdown", cfg.Fetch.Format, "explicit layer")
}

func TestLoader_ExplicitMissing(t *testing.T) {
	l := NewLoader(nil)
	l.homeDir = t.TempDir()
	l.workDir = t.TempDir()

	_, err := l.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoader_InvalidResult(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, ProjectConfigFile), []byte("quota:\n  daily_limit: 0\n"), 0644))

	l := NewLoader(nil)
	l.homeDir = t.TempDir()
	l.workDir = work

	_, err := l.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota.daily_limit")
}

func TestEnsureUserConfig(t *testing.T) {
	l := NewLoader(nil)
	l.homeDir = t.TempDir()

	require.NoError(t, l.EnsureUserConfig())
	cfg, err := LoadFromFile(l.userConfigPath())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Quota, cfg.Quota)

	// second call leaves the file alone
	require.NoError(t, l.EnsureUserConfig())
}

// Package config provides configuration loading and management for testgen.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/testgen/model"
	"gopkg.in/yaml.v3"
)

// Config represents the complete testgen configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Quota   QuotaConfig   `yaml:"quota"`
	Storage StorageConfig `yaml:"storage"`
	Runs    RunsConfig    `yaml:"runs"`
}

// ServerConfig configures the HTTP service
type ServerConfig struct {
	// Addr is the listen address (default: :8080)
	Addr string `yaml:"addr"`
	// MaxBodyBytes caps request bodies
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// ModelConfig configures the model gateway
type ModelConfig struct {
	// Default is the model used when a request names none
	Default string `yaml:"default"`
	// Temperature is fixed per deployment, 0.0-2.0 (default: 0.3)
	Temperature float64 `yaml:"temperature"`
	// Timeout bounds a single model call
	Timeout time.Duration `yaml:"timeout"`
	// Endpoints maps model id to backend. Empty uses the built-in registry.
	Endpoints map[string]*model.EndpointConfig `yaml:"endpoints"`
}

// FetchConfig configures the documentation fetcher
type FetchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// MaxContentBytes rejects responses whose declared length is larger
	MaxContentBytes int64 `yaml:"max_content_bytes"`
	// MaxChars truncates the extracted text
	MaxChars   int      `yaml:"max_chars"`
	UserAgents []string `yaml:"user_agents"`
	// AllowPrivate permits loopback and private network hosts
	AllowPrivate bool `yaml:"allow_private"`
	// DenyHosts are glob patterns matched against the request host
	DenyHosts []string `yaml:"deny_hosts"`
	// Format is "text" or "markdown"
	Format string `yaml:"format"`
}

// QuotaConfig configures the daily generation limit
type QuotaConfig struct {
	DailyLimit int `yaml:"daily_limit"`
	// Timezone defines the calendar day boundary (IANA name, default UTC)
	Timezone string `yaml:"timezone"`
	// ExemptStates are subscription states that bypass the limit
	ExemptStates []string `yaml:"exempt_states"`
	Hint         string   `yaml:"hint"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	// Backend is "sqlite" or "nats"
	Backend string `yaml:"backend"`
	// SQLitePath is the database file for the sqlite backend
	SQLitePath string `yaml:"sqlite_path"`
	// NATSURL is the NATS server URL (empty = use embedded server)
	NATSURL string `yaml:"nats_url"`
	// Embedded starts an in-process NATS server
	Embedded bool `yaml:"embedded"`
	// NATSStoreDir persists embedded JetStream data (empty = temp dir)
	NATSStoreDir string `yaml:"nats_store_dir"`
	// BucketPrefix namespaces the KV buckets
	BucketPrefix string `yaml:"bucket_prefix"`
}

// RunsConfig configures run dispatch to the execution engine
type RunsConfig struct {
	// Subject receives queued runs. Empty disables publication.
	Subject string `yaml:"subject"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
		},
		Model: ModelConfig{
			Default:     "gemini-2.0-flash",
			Temperature: 0.3,
			Timeout:     3 * time.Minute,
		},
		Fetch: FetchConfig{
			Timeout:         15 * time.Second,
			MaxContentBytes: 1 << 20,
			MaxChars:        12000,
			Format:          "text",
		},
		Quota: QuotaConfig{
			DailyLimit:   3,
			Timezone:     "UTC",
			ExemptStates: []string{"active", "trialing"},
			Hint:         "Upgrade your subscription for unlimited generations.",
		},
		Storage: StorageConfig{
			Backend:      "sqlite",
			SQLitePath:   "testgen.db",
			Embedded:     true,
			BucketPrefix: "TESTGEN",
		},
		Runs: RunsConfig{
			Subject: "testgen.runs.queued",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Model.Default == "" {
		return fmt.Errorf("model.default is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("model.temperature must be between 0 and 2")
	}
	for id, ep := range c.Model.Endpoints {
		if ep == nil || ep.Provider == "" {
			return fmt.Errorf("model.endpoints.%s.provider is required", id)
		}
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if c.Fetch.MaxChars <= 0 {
		return fmt.Errorf("fetch.max_chars must be positive")
	}
	if c.Fetch.Format != "text" && c.Fetch.Format != "markdown" {
		return fmt.Errorf("fetch.format must be text or markdown, got %q", c.Fetch.Format)
	}
	for _, p := range c.Fetch.DenyHosts {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("fetch.deny_hosts: invalid pattern %q", p)
		}
	}
	if c.Quota.DailyLimit < 1 {
		return fmt.Errorf("quota.daily_limit must be at least 1")
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case "nats":
		if c.Storage.NATSURL == "" && !c.Storage.Embedded {
			return fmt.Errorf("storage.nats_url is required unless storage.embedded is set")
		}
	default:
		return fmt.Errorf("storage.backend must be sqlite or nats, got %q", c.Storage.Backend)
	}
	return nil
}

// Location returns the quota day-boundary zone.
func (q QuotaConfig) Location() *time.Location {
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Registry builds the model registry from the configured endpoints, falling
// back to the built-in set when none are configured.
func (m ModelConfig) Registry() *model.Registry {
	if len(m.Endpoints) == 0 {
		r := model.NewDefaultRegistry()
		if r.GetEndpoint(m.Default) != nil {
			return model.NewRegistry(m.Default, endpointsOf(r))
		}
		return r
	}
	return model.NewRegistry(m.Default, m.Endpoints)
}

func endpointsOf(r *model.Registry) map[string]*model.EndpointConfig {
	out := make(map[string]*model.EndpointConfig)
	for _, id := range r.ListModels() {
		out[id] = r.GetEndpoint(id)
	}
	return out
}

// ExpandEnvWithDefaults expands ${VAR} and ${VAR:-default} references.
func ExpandEnvWithDefaults(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// decodeFile expands environment references and decodes path into dst.
// Fields absent from the file keep their current value.
func decodeFile(path string, dst *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := ExpandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), dst); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

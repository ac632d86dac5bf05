// Package model maps the model identifiers callers may request to the
// provider endpoints that serve them.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// EndpointConfig defines how to reach a model.
type EndpointConfig struct {
	// Provider is the backend name (anthropic, openai, ollama, gemini).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API base URL; empty uses the provider default.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the identifier sent to the provider. Defaults to the registry key.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// MaxTokens caps the completion length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Registry resolves requested model ids to endpoints.
type Registry struct {
	mu           sync.RWMutex
	endpoints    map[string]*EndpointConfig
	defaultModel string
}

// NewRegistry creates a registry. defaultModel is used when a caller does not
// name a model.
func NewRegistry(defaultModel string, endpoints map[string]*EndpointConfig) *Registry {
	eps := make(map[string]*EndpointConfig, len(endpoints))
	for name, ep := range endpoints {
		cp := *ep
		if cp.Model == "" {
			cp.Model = name
		}
		eps[name] = &cp
	}
	return &Registry{endpoints: eps, defaultModel: defaultModel}
}

// NewDefaultRegistry creates a registry with a Gemini default and local Ollama.
func NewDefaultRegistry() *Registry {
	return NewRegistry("gemini-2.0-flash", map[string]*EndpointConfig{
		"gemini-2.0-flash": {Provider: "gemini"},
		"gemini-1.5-pro":   {Provider: "gemini"},
		"claude-sonnet": {
			Provider: "anthropic",
			Model:    "claude-sonnet-4-20250514",
		},
		"gpt-4o-mini": {Provider: "openai"},
		"qwen": {
			Provider: "ollama",
			URL:      "http://localhost:11434/v1",
			Model:    "qwen2.5-coder:14b",
		},
	})
}

// Resolve returns the model id to use for a request; empty means the default.
func (r *Registry) Resolve(requested string) string {
	if requested != "" {
		return requested
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultModel
}

// Default returns the default model id.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultModel
}

// GetEndpoint returns the endpoint for a model id, or nil if unknown.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[name]
}

// SetEndpoint adds or replaces a model endpoint.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cfg
	if cp.Model == "" {
		cp.Model = name
	}
	r.endpoints[name] = &cp
}

// ListModels returns all configured model ids in sorted order.
func (r *Registry) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the default model is configured and every endpoint names a provider.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultModel == "" {
		return fmt.Errorf("default model is required")
	}
	if _, ok := r.endpoints[r.defaultModel]; !ok {
		return fmt.Errorf("default model %q has no endpoint", r.defaultModel)
	}
	for name, ep := range r.endpoints {
		if ep.Provider == "" {
			return fmt.Errorf("model %q: provider is required", name)
		}
	}
	return nil
}

// MarshalJSON renders the registry for the models listing.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal(struct {
		Default   string                     `json:"default"`
		Endpoints map[string]*EndpointConfig `json:"endpoints"`
	}{r.defaultModel, r.endpoints})
}

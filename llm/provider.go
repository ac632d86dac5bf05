package llm

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/c360studio/testgen/model"
)

// Provider defines the interface for HTTP-based provider implementations.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "ollama").
	Name() string

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body for the provider.
	// temperature is nil to use provider default, or a pointer to explicit value.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	// An answer without text yields a Response with empty Content, not an error.
	ParseResponse(body []byte, model string) (*Response, error)
}

// SDKProvider is a provider that talks to its backend through a vendor SDK
// instead of raw HTTP.
type SDKProvider interface {
	Name() string
	Complete(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry    = make(map[string]Provider)
	sdkProviderRegistry = make(map[string]SDKProvider)
	providerMu          sync.RWMutex
)

// RegisterProvider adds an HTTP provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// RegisterSDKProvider adds an SDK-backed provider to the registry.
func RegisterSDKProvider(p SDKProvider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	sdkProviderRegistry[p.Name()] = p
}

// GetProvider retrieves an HTTP provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// GetSDKProvider retrieves an SDK provider by name.
func GetSDKProvider(name string) SDKProvider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return sdkProviderRegistry[name]
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry)+len(sdkProviderRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	for name := range sdkProviderRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

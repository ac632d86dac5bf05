package runlifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"
)

const (
	componentName        = "run-lifecycle"
	componentDescription = "Queues test runs and applies execution engine status updates"
	componentVersion     = "0.1.0"
)

var _ component.Discoverable = (*Component)(nil)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the run lifecycle with the given registry.
func Register(registry RegistryInterface, deps Dependencies) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        componentName,
		Factory:     Factory(deps),
		Schema:      runLifecycleSchema,
		Type:        "processor",
		Protocol:    "http",
		Domain:      "testgen",
		Description: componentDescription,
		Version:     componentVersion,
	})
}

// Factory returns a component factory bound to deps. The logger and NATS
// client of the component dependencies fill in what deps leaves unset.
func Factory(deps Dependencies) func(json.RawMessage, component.Dependencies) (component.Discoverable, error) {
	return func(rawConfig json.RawMessage, cdeps component.Dependencies) (component.Discoverable, error) {
		config := DefaultConfig()
		if len(rawConfig) > 0 {
			if err := json.Unmarshal(rawConfig, &config); err != nil {
				return nil, fmt.Errorf("unmarshal config: %w", err)
			}
		}
		if deps.Logger == nil {
			deps.Logger = cdeps.GetLogger()
		}
		if deps.NATSClient == nil {
			deps.NATSClient = cdeps.NATSClient
		}
		return NewComponent(config, deps)
	}
}

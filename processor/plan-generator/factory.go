package plangenerator

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"
)

const (
	componentName        = "plan-generator"
	componentDescription = "Generates browser test plans from documentation using an LLM"
	componentVersion     = "0.1.0"
)

var _ component.Discoverable = (*Component)(nil)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the plan generator with the given registry. The
// factory builds components over deps; the raw config overrides
// DefaultConfig field by field.
func Register(registry RegistryInterface, deps Dependencies) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        componentName,
		Factory:     Factory(deps),
		Schema:      planGeneratorSchema,
		Type:        "processor",
		Protocol:    "http",
		Domain:      "testgen",
		Description: componentDescription,
		Version:     componentVersion,
	})
}

// Factory returns a component factory bound to deps. A logger from the
// component dependencies is used when deps carries none.
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
		return NewComponent(config, deps)
	}
}

package testplanapi

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"
)

const (
	componentName        = "testplan-api"
	componentDescription = "HTTP endpoints for test plan generation, runs and documents"
	componentVersion     = "0.1.0"
)

// testplanAPISchema defines the configuration schema.
var testplanAPISchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

var _ component.Discoverable = (*Component)(nil)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the API with the given registry.
func Register(registry RegistryInterface, deps Dependencies) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        componentName,
		Factory:     Factory(deps),
		Schema:      testplanAPISchema,
		Type:        "processor",
		Protocol:    "http",
		Domain:      "testgen",
		Description: componentDescription,
		Version:     componentVersion,
	})
}

// Factory returns a component factory bound to deps.
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

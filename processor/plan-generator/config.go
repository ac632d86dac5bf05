package plangenerator

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// planGeneratorSchema defines the configuration schema.
var planGeneratorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the plan generator.
type Config struct {
	// DefaultModel is used when a request names no model.
	// Empty defers to the registry default.
	DefaultModel string `json:"default_model" schema:"type:string,description:Model used when a request names none,category:basic"`

	// Temperature is passed to every model call.
	Temperature float64 `json:"temperature" schema:"type:float,description:Sampling temperature for model calls,category:basic,default:0.3"`

	// Timeout bounds the model call as a duration string. Empty or zero
	// means no extra bound.
	Timeout string `json:"timeout" schema:"type:string,description:Model call timeout,category:advanced,default:3m"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Temperature: 0.3,
		Timeout:     "3m",
	}
}

// Validate verifies the configuration is consistent.
func (c *Config) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", c.Temperature)
	}
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
		}
		if d < 0 {
			return fmt.Errorf("timeout must not be negative")
		}
	}
	return nil
}

// GetTimeout returns the parsed model call timeout.
func (c *Config) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0
	}
	return d
}

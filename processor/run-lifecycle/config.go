package runlifecycle

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/c360studio/semstreams/component"
)

// runLifecycleSchema defines the configuration schema.
var runLifecycleSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the run lifecycle.
type Config struct {
	// DispatchSubject receives queued runs when a NATS client is
	// available. Empty disables publication.
	DispatchSubject string `json:"dispatch_subject" schema:"type:string,description:Subject receiving queued runs; empty disables publication,category:basic,default:testgen.runs.queued"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DispatchSubject: DefaultSubject,
	}
}

// Validate verifies the configuration is consistent.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.DispatchSubject, " \t\r\n") {
		return fmt.Errorf("dispatch_subject must not contain whitespace")
	}
	return nil
}

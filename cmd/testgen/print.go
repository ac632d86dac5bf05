package main

import (
	"io"

	"github.com/c360studio/testgen/config"
	"gopkg.in/yaml.v3"
)

// printConfig writes cfg as YAML.
func printConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

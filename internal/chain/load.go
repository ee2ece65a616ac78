package chain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a chain definition from a YAML file. An empty path returns the
// default chain.
func Load(path string) (*Chain, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML chain definition.
func Parse(data []byte) (*Chain, error) {
	var c Chain
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse chain: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

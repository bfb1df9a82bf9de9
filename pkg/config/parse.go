package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseRunConfigYAML parses a RunConfig from YAML bytes and validates it.
// Fields absent from the document keep the values of DefaultRunConfig.
// This is used for APIs where the config is provided as payload (not via filesystem).
func ParseRunConfigYAML(data []byte) (*RunConfig, error) {
	cfg := DefaultRunConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	if err := validateRunConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ParseRunConfigYAMLString parses a RunConfig from a YAML string and validates it.
func ParseRunConfigYAMLString(yamlText string) (*RunConfig, error) {
	return ParseRunConfigYAML([]byte(yamlText))
}

// MarshalRunConfigYAML renders cfg as YAML, e.g. for archiving a submitted run
func MarshalRunConfigYAML(cfg *RunConfig) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config yaml: %w", err)
	}
	return data, nil
}

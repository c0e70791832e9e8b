package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"nervus-backend/pkg/api"

	"gopkg.in/yaml.v2"
)

// ReadRunConfig decodes a yaml run configuration. Unknown keys are rejected
// so that typos do not silently fall back to defaults.
func ReadRunConfig(r io.Reader) (api.RunConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return api.RunConfig{}, fmt.Errorf("error reading run config: %w", err)
	}

	var cfg api.RunConfig
	if err := yaml.UnmarshalStrict(bytes.TrimSpace(data), &cfg); err != nil {
		return api.RunConfig{}, fmt.Errorf("error parsing run config: %w", err)
	}
	return cfg, nil
}

func LoadRunConfig(path string) (api.RunConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return api.RunConfig{}, fmt.Errorf("error opening run config: %w", err)
	}
	defer f.Close()

	return ReadRunConfig(f)
}

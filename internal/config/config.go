package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	_ = NewDefaultApplier().ApplyDefaults(cfg)
	return cfg
}

// Load reads configuration from configPath (optional: empty means defaults only), expands
// environment variables in the YAML, applies the deployment environment overrides and
// defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to load .env file").Build()
	}

	cfg := &Config{}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryConfig, "failed to read config file").
				WithContext("path", configPath).Build()
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	if err := NewDefaultApplier().ApplyDefaults(cfg); err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to apply defaults").Build()
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands environment variables in data and decodes it into cfg.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return errors.WrapError(err, errors.CategoryConfig, "failed to unmarshal config").Build()
	}
	return nil
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal example config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// crewdYAML represents the complete crewd.yaml file structure.
type crewdYAML struct {
	Runtime  *RuntimeConfig  `yaml:"runtime"`
	Lanes    *LanesConfig    `yaml:"lanes"`
	Steering *steeringYAML   `yaml:"steering"`
	Outbox   *OutboxConfig   `yaml:"outbox"`
	Routines *RoutinesConfig `yaml:"routines"`
	System   *SystemConfig   `yaml:"system"`
}

// steeringYAML mirrors SteeringConfig with an optional enabled flag, so an
// explicit `enabled: false` survives the merge with defaults.
type steeringYAML struct {
	Enabled           *bool    `yaml:"enabled,omitempty"`
	InterruptKeywords []string `yaml:"interrupt_keywords,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read crewd.yaml (a missing file yields pure defaults)
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Validate all configuration
func Initialize(_ context.Context, path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"max_concurrent_dispatches", cfg.Runtime.MaxConcurrentDispatches,
		"lane_debounce", cfg.Lanes.Debounce,
		"steering_enabled", cfg.Steering.Enabled)

	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults cover everything; an absent file is not an error.
			slog.Warn("Config file not found, using built-in defaults", "path", path)
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	// Expand environment variables using {{.VAR}} template syntax
	data = ExpandEnv(data)

	var userCfg crewdYAML
	if err := yaml.Unmarshal(data, &userCfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// Merge user-provided sections into defaults (non-zero values override).
	if userCfg.Runtime != nil {
		if err := mergo.Merge(cfg.Runtime, userCfg.Runtime, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge runtime config: %w", err)
		}
	}
	if userCfg.Lanes != nil {
		if err := mergo.Merge(cfg.Lanes, userCfg.Lanes, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge lanes config: %w", err)
		}
	}
	if userCfg.Outbox != nil {
		if err := mergo.Merge(cfg.Outbox, userCfg.Outbox, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge outbox config: %w", err)
		}
	}
	if userCfg.Routines != nil {
		if err := mergo.Merge(cfg.Routines, userCfg.Routines, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge routines config: %w", err)
		}
	}
	cfg.Steering = resolveSteeringConfig(userCfg.Steering)

	if userCfg.System != nil {
		if userCfg.System.Server != nil {
			if err := mergo.Merge(cfg.Server, userCfg.System.Server, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge server config: %w", err)
			}
		}
		if userCfg.System.GitHub != nil {
			if err := mergo.Merge(cfg.GitHub, userCfg.System.GitHub, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge github config: %w", err)
			}
		}
		if userCfg.System.Retention != nil {
			if err := mergo.Merge(cfg.Retention, userCfg.System.Retention, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge retention config: %w", err)
			}
		}
	}

	return cfg, nil
}

// resolveSteeringConfig overlays the YAML steering section onto defaults.
func resolveSteeringConfig(user *steeringYAML) *SteeringConfig {
	cfg := DefaultSteeringConfig()
	if user == nil {
		return cfg
	}
	if user.Enabled != nil {
		cfg.Enabled = *user.Enabled
	}
	if len(user.InterruptKeywords) > 0 {
		cfg.InterruptKeywords = user.InterruptKeywords
	}
	return cfg
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

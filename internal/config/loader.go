// Package config provides configuration loading for rulesmith.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "RULESMITH_"

// Load loads configuration from an optional YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (RULESMITH_GATEWAY_PROVIDER, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// Environment variables are mapped section-first: the first underscore after
// the prefix separates the section from the field name, so
// RULESMITH_GATEWAY_API_KEY becomes gateway.api_key. Nested workflow keys use
// double underscores: RULESMITH_WORKFLOW__FILTER__CHUNK_SIZE maps to
// workflow.filter.chunk_size.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// transformEnvKey maps an environment variable name (prefix already
// stripped) to a koanf key.
//
//	GATEWAY_API_KEY           -> gateway.api_key
//	WORKFLOW__FILTER__OVERLAP -> workflow.filter.overlap
func transformEnvKey(s string) string {
	lower := strings.ToLower(s)

	// Double underscore is an explicit nesting separator.
	if strings.Contains(lower, "__") {
		return strings.ReplaceAll(lower, "__", ".")
	}

	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

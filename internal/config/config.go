// Package config parses the proxy configuration and builds the running
// router from it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default values applied by Parse.
const (
	DefaultCacheSize = 2048
	DefaultStart     = "start"
)

// ErrNoAddress is returned when the listen address is missing.
var ErrNoAddress = errors.New("config: address is required")

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration, rejecting unknown fields, and
// applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := new(Config)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Address == "" {
		return nil, ErrNoAddress
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Table.Start == "" {
		cfg.Table.Start = DefaultStart
	}
	if len(cfg.Upstreams) == 0 {
		return nil, errors.New("config: at least one upstream is required")
	}
	if len(cfg.Table.Rules) == 0 {
		return nil, errors.New("config: the routing table needs at least one rule")
	}
	return cfg, nil
}

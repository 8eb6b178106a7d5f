package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, MUXCHAN_CONFIG env, ./muxchan.yaml)
//  3. MUXCHAN_* environment variable overrides
//  4. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := DiscoverFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// DiscoverFile finds the config file path. An explicit path wins, then
// MUXCHAN_CONFIG, then ./muxchan.yaml. It returns "" if there is none.
func DiscoverFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("MUXCHAN_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("muxchan.yaml"); err == nil {
		return "muxchan.yaml"
	}
	return ""
}

// loadYAMLFile reads and parses a YAML file into cfg. Fields not present in
// the file keep their current values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps MUXCHAN_* environment variables to config fields
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MUXCHAN_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("MUXCHAN_METRICS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MUXCHAN_METRICS: %w", err)
		}
		cfg.Server.Metrics = b
	}
	if v := os.Getenv("MUXCHAN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MUXCHAN_DUMP"); v != "" {
		cfg.Log.Dump = v
	}
	if v := os.Getenv("MUXCHAN_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MUXCHAN_MAX_CONNECTIONS: %w", err)
		}
		cfg.Client.MaxConnections = n
	}
	if v := os.Getenv("MUXCHAN_PROXY"); v != "" {
		cfg.Client.Proxy = v
	}
	if v := os.Getenv("MUXCHAN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MUXCHAN_TIMEOUT: %w", err)
		}
		cfg.Client.Timeout = d
	}
	return nil
}

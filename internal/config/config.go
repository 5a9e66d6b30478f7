// Package config loads and saves the process configuration: a single
// JSON file holding per-subsystem settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all skillmesh configuration
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Evolution pipeline settings
	Evolution EvolutionConfig `json:"evolution"`

	// Skill dispatcher settings
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Capability registry settings
	Registry RegistryConfig `json:"registry"`
}

type ServerConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
}

type EvolutionConfig struct {
	Enabled bool `json:"enabled"`
	// Maximum Generate retries per evolution record
	MaxAttempts int `json:"maxAttempts"`
	// Timeout for one LLM generate call (seconds)
	ProviderTimeoutSec int `json:"providerTimeoutSec"`
	// Timeout for one shadow-test run (seconds)
	TestTimeoutSec int `json:"testTimeoutSec"`
	// Cron expression for the auto-trigger scanner
	ScanSchedule string `json:"scanSchedule"`
	// Consecutive execution failures before an auto trigger fires
	FailureThreshold int `json:"failureThreshold"`
}

type DispatcherConfig struct {
	// Per-tool subprocess timeout (seconds)
	ToolTimeoutSec int `json:"toolTimeoutSec"`
}

type RegistryConfig struct {
	// Directory under DataDir holding evolved_tools.json and the index
	Dir string `json:"dir"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:  "./data",
			LogLevel: "info",
		},
		Evolution: EvolutionConfig{
			Enabled:            true,
			MaxAttempts:        3,
			ProviderTimeoutSec: 120,
			TestTimeoutSec:     300,
			ScanSchedule:       "@every 10m",
			FailureThreshold:   3,
		},
		Dispatcher: DispatcherConfig{
			ToolTimeoutSec: 30,
		},
		Registry: RegistryConfig{
			Dir: "capability_registry",
		},
	}
}

// Load reads config from a JSON file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

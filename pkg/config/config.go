// Package config loads the top-level FleetConfig, in the shape of the
// teacher's pkg/config: a default search path list, YAML unmarshalling,
// struct-tag validation, and a DefaultConfig fallback.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file locations, checked in order when no explicit
// path is given.
var configPaths = []string{
	"./fleet.yaml",
	"./fleet.yml",
	"./serialfleet.yaml",
	"~/.config/serialfleet/config.yaml",
	"/etc/serialfleet/config.yaml",
}

// PortDefaults seeds the fields an Option Policy is allowed to leave
// zero; the policy itself still runs per reconnect (§6), these are
// just the process-level fallbacks a Go-closure policy can read.
type PortDefaults struct {
	BaudRate              int           `yaml:"baudRate" json:"baudRate" validate:"required,gt=0"`
	MaxQueueLength        int           `yaml:"maxQueueLength" json:"maxQueueLength" validate:"gt=0"`
	SerialResponseTimeout time.Duration `yaml:"serialResponseTimeout" json:"serialResponseTimeout"`
}

// ScriptingConfig selects an optional scripted Option Policy.
type ScriptingConfig struct {
	Engine     string `yaml:"engine" json:"engine" validate:"omitempty,oneof=js lua"`
	ScriptPath string `yaml:"scriptPath" json:"scriptPath" validate:"required_with=Engine"`
}

// AuthConfig guards the admin API with an optional bearer token.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	JWTSecret string `yaml:"jwtSecret" json:"jwtSecret" validate:"required_if=Enabled true"`
}

// AdminAPIConfig controls the read-only introspection server.
type AdminAPIConfig struct {
	Enabled bool       `yaml:"enabled" json:"enabled"`
	Address string     `yaml:"address" json:"address" validate:"required_if=Enabled true"`
	Auth    AuthConfig `yaml:"auth" json:"auth"`
}

// LoggingConfig mirrors logger.Config's fields for YAML loading.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
	File   string `yaml:"file" json:"file"`
}

// MetricsConfig is loaded and validated with the rest of the document.
// cmd/fleetctl does not read it: Prometheus metrics are served on the
// admin API's /metrics route, not on a listener of their own.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address" validate:"required_if=Enabled true"`
}

// FleetConfig is the process-wide configuration document.
type FleetConfig struct {
	EnumerationInterval time.Duration   `yaml:"enumerationInterval" json:"enumerationInterval" validate:"required"`
	DiscoveryTimeout    time.Duration   `yaml:"discoveryTimeout" json:"discoveryTimeout"`
	PortDefaults        PortDefaults    `yaml:"portDefaults" json:"portDefaults" validate:"required"`
	Scripting           ScriptingConfig `yaml:"scripting" json:"scripting"`
	AdminAPI            AdminAPIConfig  `yaml:"adminApi" json:"adminApi"`
	Logging             LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics             MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// Load reads path, or the first existing default search path, or
// falls back to DefaultConfig if none exist.
func Load(path string) (*FleetConfig, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range configPaths {
		if len(p) > 0 && p[0] == '~' {
			if home, err := os.UserHomeDir(); err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return DefaultConfig(), nil
}

func loadFile(path string) (*FleetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *FleetConfig) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg as YAML to path, creating parent directories as needed.
func Save(path string, cfg *FleetConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *FleetConfig {
	return &FleetConfig{
		EnumerationInterval: 5 * time.Second,
		DiscoveryTimeout:    5 * time.Second,
		PortDefaults: PortDefaults{
			BaudRate:              9600,
			MaxQueueLength:        30,
			SerialResponseTimeout: 200 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
		AdminAPI: AdminAPIConfig{
			Enabled: false,
			Address: ":8080",
		},
	}
}

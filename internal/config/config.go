// Package config loads the optional YAML configuration shared by both roles.
// Flags always win over file values; the file exists so deployments do not
// have to repeat addresses and worker counts on every invocation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration. Zero values defer to Default.
type Config struct {
	// Address is the host's listen address or the participant's target.
	Address string `yaml:"address"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// LogFile redirects operational logs, which the host does by default
	// while the terminal UI owns the screen.
	LogFile string `yaml:"log_file"`

	Host        HostConfig        `yaml:"host"`
	Participant ParticipantConfig `yaml:"participant"`
}

// HostConfig holds coordinator-side settings.
type HostConfig struct {
	// Script preloads the terminal UI's Begin prompt and is the script a
	// headless --autostart begins with.
	Script string `yaml:"script"`
	// MetricsAddr enables the prometheus endpoint when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`
	// EventBuffer bounds the router and UI channels.
	EventBuffer int `yaml:"event_buffer"`
}

// ParticipantConfig holds worker-side settings.
type ParticipantConfig struct {
	// Name is the base participant name.
	Name string `yaml:"name"`
	// Threads is the worker count; zero means hardware concurrency.
	Threads int `yaml:"threads"`
	// ReconnectInterval is the probe retry delay.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Address:  "localhost:3000",
		LogLevel: "info",
		Participant: ParticipantConfig{
			Name:              "participant",
			ReconnectInterval: 2 * time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Package config loads the mailbox fabric's runtime configuration, the
// same way patterns/core/config.go does for a single backend driver: a
// typed root document plus a generic per-section escape hatch, YAML via
// gopkg.in/yaml.v3, defaults applied once after unmarshal.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OPMDefaults holds pool growth policy defaults (spec §4.1). They are
// loaded and defaulted here only; the runtime does not apply them to any
// pool, and CreatePool takes its policy arguments explicitly.
type OPMDefaults struct {
	Threshold float64 `yaml:"threshold"`
	Increment int     `yaml:"increment"`
	GrowthMode string `yaml:"growth_mode"` // "none" | "grow" | "grow_and_shrink"
}

// MLSConfig configures the lookup service's discovery bridge (spec §4.9).
type MLSConfig struct {
	DiscoveryEnabled bool   `yaml:"discovery_enabled"`
	GroupAddress     string `yaml:"group_address"` // e.g. "224.9.9.1:7777"
	GroupInterface   string `yaml:"group_interface"`
}

// ControlPlaneConfig mirrors patterns/core/config.go's ControlPlaneConfig.
type ControlPlaneConfig struct {
	Port int `yaml:"port"`
}

// Config is the root runtime document.
type Config struct {
	OPM          OPMDefaults        `yaml:"opm"`
	MLS          MLSConfig          `yaml:"mls"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Mailbox      map[string]any     `yaml:"mailbox"` // per-kind transport overrides, §6
}

// Load reads and parses a YAML config file, applying defaults for any
// zero-valued field the way LoadConfig does in the teacher.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a Config populated entirely with defaults, for callers
// that don't load from disk (tests, embedded runtimes).
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.OPM.Threshold == 0 {
		cfg.OPM.Threshold = 0.8
	}
	if cfg.OPM.Increment == 0 {
		cfg.OPM.Increment = 10
	}
	if cfg.OPM.GrowthMode == "" {
		cfg.OPM.GrowthMode = "grow_and_shrink"
	}
	if cfg.ControlPlane.Port == 0 {
		cfg.ControlPlane.Port = 9090
	}
	if cfg.Mailbox == nil {
		cfg.Mailbox = make(map[string]any)
	}
}

// MailboxSection unmarshals the named mailbox-kind section (e.g. "group",
// "distributed") into target, mirroring GetBackendConfig's round-trip
// through YAML for the map[string]any escape hatch.
func (c *Config) MailboxSection(name string, target interface{}) error {
	section, ok := c.Mailbox[name]
	if !ok {
		return nil
	}

	data, err := yaml.Marshal(section)
	if err != nil {
		return fmt.Errorf("failed to marshal mailbox section %q: %w", name, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal mailbox section %q: %w", name, err)
	}
	return nil
}

// Package config loads the YAML topology file that describes a run: the
// broker's address, the federates it expects, and the transport and
// profiler options for each core (spec.md §6).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of a topology file.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Broker    BrokerConfig     `yaml:"broker"`
	Federates []FederateConfig `yaml:"federates"`
	Profiler  ProfilerConfig   `yaml:"profiler"`

	LogLevel string `yaml:"log_level"`
}

// BrokerConfig describes the root broker this run connects through.
type BrokerConfig struct {
	Name      string `yaml:"name"`
	Interface string `yaml:"interface"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"` // "inproc" or "tcp"
	AutoStart bool   `yaml:"auto_start"`
}

// FederateConfig describes one federate a core will host.
type FederateConfig struct {
	Name            string   `yaml:"name"`
	CoreName        string   `yaml:"core_name"`
	TimeDelta       string   `yaml:"time_delta"`
	IterationPolicy string   `yaml:"iteration_policy"` // "none", "force", "if_needed"
	Dependencies    []string `yaml:"dependencies"`
}

// ProfilerConfig controls the optional per-core profiler buffer.
type ProfilerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	OutputPath string `yaml:"output_path"`
	Compress   bool   `yaml:"compress"`
	IndexedDB  bool   `yaml:"indexed_db"`
}

// Load reads and parses a topology file, applying the same defaults a
// broker and core would otherwise require as command-line flags.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	if cfg.Broker.Transport == "" {
		cfg.Broker.Transport = "tcp"
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 23404
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the topology is internally consistent: every
// federate dependency names another federate declared in the same file.
func (c *Config) Validate() error {
	known := make(map[string]bool, len(c.Federates))
	for _, f := range c.Federates {
		if f.Name == "" {
			return fmt.Errorf("config: federate entry missing name")
		}
		known[f.Name] = true
	}
	for _, f := range c.Federates {
		for _, dep := range f.Dependencies {
			if !known[dep] {
				return fmt.Errorf("config: federate %q depends on unknown federate %q", f.Name, dep)
			}
		}
		switch f.IterationPolicy {
		case "", "none", "force", "if_needed":
		default:
			return fmt.Errorf("config: federate %q has unknown iteration_policy %q", f.Name, f.IterationPolicy)
		}
	}
	if c.Broker.Transport != "inproc" && c.Broker.Transport != "tcp" {
		return fmt.Errorf("config: broker transport must be \"inproc\" or \"tcp\", got %q", c.Broker.Transport)
	}
	return nil
}

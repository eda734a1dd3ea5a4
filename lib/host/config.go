// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// DefaultCallTimeout bounds a single plugin call when the plugin's
// config does not override it. The protocol has no cancellation
// signal, so the timeout is enforced entirely on this side: an
// overdue plugin is marked failed and bypassed.
const DefaultCallTimeout = 5 * time.Second

// Config is the plugins section of the daemon configuration.
type Config struct {
	// Enabled turns the plugin subsystem on. When false the manager
	// loads nothing and every hook is a pass-through.
	Enabled bool `yaml:"enabled"`

	// Plugins lists the configured plugin processes, in hook chaining
	// order.
	Plugins []PluginConfig `yaml:"plugins"`
}

// PluginConfig describes a single plugin process.
type PluginConfig struct {
	// Name identifies the plugin in logs and must be unique.
	Name string `yaml:"name"`

	// Path is the plugin executable.
	Path string `yaml:"path"`

	// Enabled gates loading; disabled entries stay in the file.
	Enabled bool `yaml:"enabled"`

	// CallTimeout bounds each call to this plugin. Zero means
	// [DefaultCallTimeout].
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Config is the inline configuration object passed to the
	// plugin's init hook.
	Config map[string]any `yaml:"config"`

	// ConfigFile is an optional JSON (with comments) file whose
	// top-level keys are merged over the inline Config. File values
	// win so deployments can override checked-in defaults.
	ConfigFile string `yaml:"config_file"`
}

// LoadConfig loads the plugins configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &config, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Plugins))
	for i, pc := range c.Plugins {
		if pc.Name == "" {
			return fmt.Errorf("plugin %d: name is required", i)
		}
		if seen[pc.Name] {
			return fmt.Errorf("plugin %q: duplicate name", pc.Name)
		}
		seen[pc.Name] = true
		if pc.Path == "" {
			return fmt.Errorf("plugin %q: path is required", pc.Name)
		}
		if pc.CallTimeout < 0 {
			return fmt.Errorf("plugin %q: call_timeout must not be negative", pc.Name)
		}
	}
	return nil
}

// EffectiveConfig resolves the init configuration for one plugin:
// the inline Config with the ConfigFile keys (if any) merged on top.
// Relative ConfigFile paths are resolved against baseDir, the
// directory of the daemon config file.
func (pc *PluginConfig) EffectiveConfig(baseDir string) (map[string]any, error) {
	merged := make(map[string]any, len(pc.Config))
	for key, value := range pc.Config {
		merged[key] = value
	}
	if pc.ConfigFile == "" {
		return merged, nil
	}

	path := pc.ConfigFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plugin config file: %w", err)
	}

	// Plugin config files allow // and /* */ comments.
	var fromFile map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &fromFile); err != nil {
		return nil, fmt.Errorf("parsing plugin config file %s: %w", path, err)
	}
	for key, value := range fromFile {
		merged[key] = value
	}
	return merged, nil
}

// Timeout returns the effective per-call timeout.
func (pc *PluginConfig) Timeout() time.Duration {
	if pc.CallTimeout > 0 {
		return pc.CallTimeout
	}
	return DefaultCallTimeout
}

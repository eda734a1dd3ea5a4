// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Config is a plugin's validated configuration. Recognized keys are
// typed and defaulted here; everything else is retained verbatim in
// Extra so plugin-specific keys (api keys, feature toggles) pass
// through without the runtime having to know them.
type Config struct {
	// LogLevel is the plugin's stderr log level. Recognized key
	// "log_level" with values debug/info/warn/error; defaults to info.
	LogLevel slog.Level

	// Extra holds the unrecognized keys verbatim.
	Extra map[string]any
}

// ParseConfig validates a raw configuration object. Unknown keys are
// never an error — they land in Extra — but a recognized key with an
// unusable value is.
func ParseConfig(raw json.RawMessage) (*Config, error) {
	config := &Config{
		LogLevel: slog.LevelInfo,
		Extra:    make(map[string]any),
	}
	if len(raw) == 0 {
		return config, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("config is not an object: %w", err)
	}

	for key, value := range fields {
		switch key {
		case "log_level":
			text, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("log_level must be a string, got %T", value)
			}
			level, err := parseLevel(text)
			if err != nil {
				return nil, err
			}
			config.LogLevel = level
		default:
			config.Extra[key] = value
		}
	}
	return config, nil
}

func parseLevel(text string) (slog.Level, error) {
	switch text {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log_level %q", text)
	}
}

// String returns the Extra value for key when it is a string, or ""
// when absent or of another type.
func (c *Config) String(key string) string {
	value, _ := c.Extra[key].(string)
	return value
}

// StringOr returns the Extra value for key when it is a non-empty
// string, or fallback otherwise.
func (c *Config) StringOr(key, fallback string) string {
	if value := c.String(key); value != "" {
		return value
	}
	return fallback
}

// Bool returns the Extra value for key when it is a bool, or false
// when absent or of another type.
func (c *Config) Bool(key string) bool {
	value, _ := c.Extra[key].(bool)
	return value
}

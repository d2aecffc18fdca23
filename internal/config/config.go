// Copyright 2024 The go-mptcpd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config carries the mptcpd daemon configuration.
package config

import (
	"fmt"
	"log/slog"
)

// DefaultPluginDir is the directory scanned for path manager plugins when
// no --plugin-dir flag is given.
const DefaultPluginDir = "/usr/lib/mptcpd"

// Config is the daemon configuration assembled from the command line.
type Config struct {
	// PluginDir is the path manager plugin directory.
	PluginDir string

	// DefaultPlugin is the name of the preferred default path management
	// strategy, or "" to use the highest priority plugin.
	DefaultPlugin string

	// LogLevel is one of "debug", "info", "warn" or "error".
	LogLevel string

	// Args holds the command line arguments passed through to the daemon
	// untouched.
	Args []string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PluginDir: DefaultPluginDir,
		LogLevel:  "info",
	}
}

// Level parses the configured log level.
func (c *Config) Level() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}

// Validate checks the configuration for startup.
func (c *Config) Validate() error {
	if c.PluginDir == "" {
		return fmt.Errorf("no plugin directory specified")
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

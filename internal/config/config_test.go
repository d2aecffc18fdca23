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

package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultPluginDir, cfg.PluginDir)
	assert.Empty(t, cfg.DefaultPlugin)
	require.NoError(t, cfg.Validate())
}

func TestLevel(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "info", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
	} {
		cfg := Default()
		cfg.LogLevel = tt.in

		lvl, err := cfg.Level()
		require.NoError(t, err)
		assert.Equal(t, tt.want, lvl)
	}

	cfg := Default()
	cfg.LogLevel = "loud"
	_, err := cfg.Level()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.PluginDir = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.LogLevel = "loud"
	require.Error(t, cfg.Validate())
}

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

// Command mptcpd is a Multipath TCP path management daemon.  It bridges the
// kernel's MPTCP generic netlink events to path management policy plugins
// and turns policy decisions back into kernel commands.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/multipath-tcp/go-mptcpd/internal/config"
	"github.com/multipath-tcp/go-mptcpd/pathman"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:           "mptcpd",
		Short:         "Multipath TCP path management daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Args = args
			if err := run(cfg); err != nil {
				slog.Error("mptcpd failed", "err", err)
				return err
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.PluginDir, "plugin-dir", cfg.PluginDir, "path manager plugin directory")
	cmd.Flags().StringVar(&cfg.DefaultPlugin, "plugin", cfg.DefaultPlugin, "default path management strategy")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")

	return cmd
}

func run(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	lvl, err := cfg.Level()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})))

	pm, err := pathman.New(cfg.PluginDir, cfg.DefaultPlugin)
	if err != nil {
		return err
	}
	defer pm.Close()

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	// Under systemd Type=notify these mark the service started and
	// stopping; elsewhere they are no-ops.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	defer func() {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}()

	slog.Info("mptcpd started",
		"plugin-dir", cfg.PluginDir,
		"ready", pm.Ready())

	return pm.Run(ctx)
}

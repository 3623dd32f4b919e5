// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/streamcore/internal/config"
	"github.com/jeranaias/streamcore/internal/logging"
	"github.com/jeranaias/streamcore/internal/metrics"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// APPLICATION STATE
// =============================================================================

// app is what every command receives once the root command has loaded
// configuration.
type app struct {
	configPath string
	cfg        *config.Config
	log        zerolog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
}

// loadConfig reads the config file named by --config, or the default
// location when none was given.
func (a *app) loadConfig() (*config.Config, error) {
	if a.configPath != "" {
		return config.LoadFromPath(a.configPath)
	}
	return config.Load()
}

// defaultConfigPath is the file watch follows when --config is not set.
func (a *app) defaultConfigPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	path, err := config.ConfigPathTOML()
	if err != nil {
		return ""
	}
	return path
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCommand builds the streamcore command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	var logLevel, logFormat string

	root := &cobra.Command{
		Use:   "streamcore",
		Short: "Streaming transport core: chunked request streams and a persistent event channel",
		Long: `streamcore consumes two kinds of live data: a cancelable chunked response
(plain text or newline-delimited JSON) and a single long-lived Server-Sent
Events channel carrying alerts, alert updates and heartbeats.

It also ships a mock feed server that produces both.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			a.cfg = cfg
			a.log = log
			a.registry = prometheus.NewRegistry()
			a.registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			a.metrics = metrics.New(a.registry)
			return nil
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}}\nGit commit: %s\nBuild date: %s\nGo version: %s\nPlatform: %s/%s\n",
		GitCommit, BuildDate, goVersion(), runtime.GOOS, runtime.GOARCH))

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default is $HOME/.streamcore/config.toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "log format: auto, console, json")

	root.AddCommand(
		newAskCommand(a),
		newWatchCommand(a),
		newServeCommand(a),
		newConfigCommand(a),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command until ctx is canceled or the command ends.
func Execute(ctx context.Context) int {
	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, RenderConditional(ErrorStyle, "Error: ")+err.Error())
		return 1
	}
	return 0
}

// =============================================================================
// VERSION
// =============================================================================

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "streamcore version %s\n", Version)
			fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Build date: %s\n", BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", goVersion())
			fmt.Fprintf(out, "  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// goVersion returns the Go version used to build the binary
func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return runtime.Version()
}

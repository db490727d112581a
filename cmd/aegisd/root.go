package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"aegis/internal/config"
)

// globalOpts are the persistent flags shared by every subcommand.
type globalOpts struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:   "aegisd",
		Short: "Hybrid inference orchestrator for a resident and a disk-streamed model",
		Long: `aegisd schedules prompts across two model tiers under one memory budget.

Environment Variables:
  AEGIS_CONFIG           Config file (.yaml, .yml, .json or .toml)
  AEGIS_<KEY>            Overrides any config key, e.g. AEGIS_VRAM_BUDGET_BYTES`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("AEGIS_CONFIG"), "Config file path")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: console|json (overrides config)")

	root.AddCommand(newServeCmd(opts), newProbeCmd(opts), newStatusCmd(), newPullCmd(opts))
	return root
}

// loadConfig merges file, environment and flag settings, in that order.
func loadConfig(opts *globalOpts) (config.Config, error) {
	var cfg config.Config
	if opts.configPath != "" {
		c, err := config.Load(opts.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// newLogger builds the process logger from config.
func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
	}
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

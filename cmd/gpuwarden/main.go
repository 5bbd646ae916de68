package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/terrpan/gpuwarden/internal/buildinfo"
	"github.com/terrpan/gpuwarden/internal/config"
	"github.com/terrpan/gpuwarden/internal/health"
	"github.com/terrpan/gpuwarden/internal/otel"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gpuwarden",
	Short: "gpuwarden -- on-demand power management for a shared GPU instance",
	Long: `gpuwarden starts a shared GPU instance when a job arrives, runs the
job on the service hosted there, cancels it when its lease expires and
stops the instance once it has been idle for long enough.

Each trigger is a subcommand (dispatch, reap, recover, artifact) so it
can run from a scheduler or a queue consumer; serve runs them all in one
long-lived process.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for logging.`,
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(dispatchCmd, reapCmd, recoverCmd, artifactCmd, serveCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// env is what every subcommand starts from.
type env struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *otel.Telemetry
}

func (e *env) close(ctx context.Context) {
	if err := e.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
	}
}

// setup loads and validates the configuration, then builds the logger
// and telemetry.  checks run after the common validation.
func setup(ctx context.Context, command string, checks ...func(*config.Config) error) (*env, error) {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("command", command),
		slog.String("engine", cfg.Engine.Type),
		slog.String("store", cfg.Store.Type),
	)

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	telemetry, err := otel.Setup(ctx, health.ServiceName, cfg.Telemetry())
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	return &env{cfg: cfg, logger: logger, telemetry: telemetry}, nil
}

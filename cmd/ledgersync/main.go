// Command ledgersync reconciles live broker positions against the trade
// ledger. It loads configuration, validates it, wires dependencies, sets up
// signal handling and runs the selected command.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/ledgersync/internal/app"
	"github.com/alanyoungcy/ledgersync/internal/config"
)

// rootConfig holds the flags shared by every subcommand.
type rootConfig struct {
	ConfigPath string
	LogLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}
	cmd := &cobra.Command{
		Use:           "ledgersync",
		Short:         "Reconcile broker positions against the trade ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&rc.ConfigPath, "config", "config.toml", "path to configuration file")
	cmd.PersistentFlags().StringVar(&rc.LogLevel, "log-level", "", "override log_level from the config file")

	cmd.AddCommand(
		newServeCmd(rc),
		newReconcileCmd(rc),
		newCloseCmd(rc),
		newActionsCmd(rc),
		newConfigCmd(rc),
		newEncryptSecretCmd(),
		newVersionCmd(),
	)
	return cmd
}

// load reads and validates the configuration and installs the JSON logger at
// the configured level. Commands that print reports log to stderr.
func (rc *rootConfig) load(logOut io.Writer) (*config.Config, *slog.Logger, error) {
	path := rc.ConfigPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == "config.toml" {
		// Defaults plus environment overrides.
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", rc.ConfigPath, err)
	}
	if rc.LogLevel != "" {
		cfg.LogLevel = rc.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := newLogger(logOut, cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), app.Version)
		},
	}
}

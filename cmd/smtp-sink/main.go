// Package main is the entry point for the SMTP sink.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-sink-lite/internal/config"
	"github.com/shineum/smtp-sink-lite/internal/ingest"
	"github.com/shineum/smtp-sink-lite/internal/mbox"
	"github.com/shineum/smtp-sink-lite/internal/normalize"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serveCmd := newServeCmd(&configPath)
	rootCmd := &cobra.Command{
		Use:          "smtp-sink",
		Short:        "Capture outgoing mail over SMTP and inspect it over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveCmd.RunE(cmd, nil)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")
	rootCmd.AddCommand(serveCmd, newImportCmd(&configPath))

	return rootCmd
}

func newServeCmd(configPath *string) *cobra.Command {
	var seed string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP receiver and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			setupLogger(cfg.Logging.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return serve(ctx, cfg, seed)
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "mbox file to import before accepting mail")

	return cmd
}

func newImportCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <mbox-file>",
		Short: "Import an mbox archive into the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			setupLogger(cfg.Logging.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			st, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			publisher, _, closePublisher, err := openPublisher(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer closePublisher()

			res, err := mbox.ImportFile(ctx, args[0], ingest.New(normalize.New(), st, publisher))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d messages, rejected %d\n", res.Imported, res.Rejected)
			return nil
		},
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given, then validates it.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// noop is the cleanup returned when nothing needs closing.
func noop() {}

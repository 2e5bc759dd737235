// Package commands implements the BizClaw CLI using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/channels"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/config"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/platform"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/secrets"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bizclaw",
		Short: "BizClaw - conversational agent backend",
		Long: `BizClaw is the backend for a multi-tenant conversational agent:
session leasing, an async job queue, scheduled tasks and triggers.

Examples:
  bizclaw serve
  bizclaw schedule add --tenant acme --user +5511999 "daily report" "every day at 9am"
  bizclaw trigger list --tenant acme --user +5511999
  bizclaw jobs stats`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newScheduleCmd(),
		newTriggerCmd(),
		newJobsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// setup loads .env and the YAML config, configures slog, and wires the
// platform. Callers own Shutdown via the returned service.
func setup(cmd *cobra.Command) (*platform.Service, *config.Config, *slog.Logger, error) {
	_ = godotenv.Load()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cmd, cfg)
	slog.SetDefault(logger)

	svc, err := platform.New(cfg, channels.NewLogResolver(logger), newCredentialStore(logger), logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return svc, cfg, logger, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	} else {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newCredentialStore prefers the OS keyring and falls back to memory when
// none is available (headless servers without a secret service).
func newCredentialStore(logger *slog.Logger) secrets.CredentialStore {
	keyring := secrets.NewKeyringStore()
	if keyring.Available() {
		return keyring
	}
	logger.Warn("OS keyring unavailable, webhook secrets will not survive restarts")
	return secrets.NewMemoryStore()
}

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/example/termin-watch/internal/config"
	"github.com/example/termin-watch/internal/db"
	"github.com/example/termin-watch/internal/logging"
	"github.com/example/termin-watch/internal/migrate"
	"github.com/example/termin-watch/internal/munich"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "terminwatch",
		Short:         "Watches Munich citizen-office appointment slots and books them from Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newOperatorCmd())
	root.AddCommand(newCaptchaCmd())
	root.AddCommand(newCheckCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and configures logging.
func loadConfig() (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, err
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	return cfg, nil
}

// openDB connects and optionally applies migrations.
func openDB(ctx context.Context, cfg config.Config, migrateUp bool) (*db.DB, error) {
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if migrateUp {
		if err := migrate.Up(ctx, d); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

func newAPIClient(cfg config.Config) *munich.Client {
	return munich.New(
		munich.WithBaseURL(cfg.APIBaseURL),
		munich.WithTimeout(cfg.APITimeout),
		munich.WithRateLimit(cfg.APIRate, cfg.APIBurst),
	)
}

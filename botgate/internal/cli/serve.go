package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/botgate/botgate/internal/service"
	"github.com/telhawk-systems/botgate/common/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway session, webhook listener and dispatcher",
	Long: `Connects to the platform gateway and/or serves the webhook callback endpoint,
then dispatches normalized events to the registered handlers until SIGINT or
SIGTERM. A second signal forces an immediate exit.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service(cfg.Service.Name))
	logging.SetDefault(logger)

	slog.Info("Starting botgate",
		slog.Int("port", cfg.Server.Port),
		slog.Bool("gateway_enabled", cfg.Gateway.Enabled),
		slog.Bool("webhook_enabled", cfg.Webhook.Enabled),
		slog.String("api_base_url", cfg.APIBaseURL()),
		slog.String("log_level", cfg.Logging.Level),
	)
	if cfgFile != "" {
		slog.Info("Loaded configuration", slog.String("config_path", cfgFile))
	}

	ctx, stop := service.NotifyContext(context.Background())
	defer stop()

	svc, err := service.New(ctx, cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	return svc.Run(ctx)
}

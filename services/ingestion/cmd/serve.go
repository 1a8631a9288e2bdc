package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/illmade-knight/machine-telemetry/services/ingestion/ingestionservice"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion pipeline and its admin HTTP server",
	Example: `  ingestd serve --config ./config.yaml
  INGEST_DATABASE_DSN=postgres://... ingestd serve --broker-url tcp://broker:1883`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := ingestionservice.LoadConfig(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("log-level") && cfg.LogLevel != logLevel {
			setLogLevel(cfg.LogLevel)
		}
		if err := cfg.Validate(); err != nil {
			log.Error().Err(err).Msg("Configuration is invalid.")
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx := cmd.Context()
		coordinator, cleanup, err := ingestionservice.Build(ctx, cfg, log.Logger)
		if err != nil {
			return fmt.Errorf("build pipeline: %w", err)
		}
		defer cleanup()

		server, err := ingestionservice.NewServer(cfg.HTTPAddr, cfg.ShutdownTimeout, coordinator, log.Logger)
		if err != nil {
			return err
		}
		if err := server.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Ingestion server run failed.")
			return err
		}
		log.Info().Msg("Ingestion service shut down gracefully.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	ingestionservice.RegisterFlags(serveCmd.Flags())
}

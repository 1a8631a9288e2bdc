package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// cfgFile is the optional YAML configuration shared by every subcommand.
	cfgFile string

	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "ingestd",
	Short: "Subscribes to machine telemetry over MQTT and stores windowed readings.",
	Long: `ingestd reads the device registry, subscribes to one MQTT topic per device,
normalizes sensor payloads into readings and flushes the latest reading of
every device to the configured sink once per flush interval.

Configuration is resolved from defaults, the --config file, INGEST_*
environment variables and finally command-line flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(consoleWriter).With().Timestamp().Logger()
		setLogLevel(logLevel)
		log.Debug().Msg("Logger initialized.")
		return nil
	},
}

// setLogLevel applies level globally, falling back to info when it cannot be
// parsed.
func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		log.Warn().Str("provided_level", level).Msg("Invalid log level provided. Defaulting to 'info'.")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Set the logging level (trace, debug, info, warn, error)")
}

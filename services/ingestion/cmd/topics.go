package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/illmade-knight/machine-telemetry/pkg/topics"
	"github.com/illmade-knight/machine-telemetry/services/ingestion/ingestionservice"
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Print the topic bindings the registry currently resolves to",
	Long: `topics loads the device registry once and prints the MQTT topic every
device would be subscribed to, with the payload variant expected on it.
No broker connection is made.`,
	Example: `  ingestd topics --registry-file ./devices.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := ingestionservice.LoadConfig(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		reg, db, err := ingestionservice.BuildRegistry(ctx, cfg, nil, log.Logger)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		if db != nil {
			defer db.Close()
		}

		devices, err := reg.Devices(ctx)
		if err != nil {
			return fmt.Errorf("read registry: %w", err)
		}
		bindings := topics.NewResolver(cfg.Topics.VariantAPrefix).Resolve(devices)
		log.Info().Int("devices", len(devices)).Int("topics", len(bindings)).Msg("Registry resolved.")

		type row struct {
			Topic    string `json:"topic"`
			DeviceID string `json:"device_id"`
			Variant  string `json:"variant"`
		}
		out := make([]row, len(bindings))
		for i, b := range bindings {
			out[i] = row{Topic: b.Topic, DeviceID: b.DeviceID, Variant: b.Variant.String()}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(topicsCmd)
	topicsCmd.Flags().String("registry-file", "", "YAML device file (implies registry.source=file)")
	topicsCmd.Flags().String("database-dsn", "", "Postgres connection string")
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/manual-obs-collector/internal/bootstrap"
	"github.com/couchcryptid/manual-obs-collector/internal/config"
	"github.com/couchcryptid/manual-obs-collector/internal/seed"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	var stationsPath string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert station links, mappings and observers from YAML",
		Long: `Load station links from a YAML seed file and upsert them into the store
named by STORE_DRIVER. Existing rows are updated in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(rootOpts, stationsPath, cmd)
		},
	}

	cmd.Flags().StringVar(&stationsPath, "stations", "", "station seed YAML file")
	_ = cmd.MarkFlagRequired("stations")

	return cmd
}

func runSeed(rootOpts *RootOptions, stationsPath string, cmd *cobra.Command) error {
	stations, err := seed.Load(stationsPath)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := bootstrap.OpenStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := seed.Apply(cmd.Context(), store, stations, rootOpts.logger(cmd)); err != nil {
		return err
	}

	if rootOpts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), map[string]int{"seeded": len(stations)})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d station link(s)\n", len(stations))
	return nil
}

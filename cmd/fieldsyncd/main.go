package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configDir string

func main() {
	root := &cobra.Command{
		Use:   "fieldsyncd",
		Short: "Offline-first sync core for humanitarian field data",
		Long: "fieldsyncd queues local mutations durably, orders them by priority,\n" +
			"syncs them against the central server with field-level conflict\n" +
			"detection, and serves the coordinator API.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory containing fieldsync.yaml")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	offlineFlag  bool
	settingsFlag string
)

var rootCmd = &cobra.Command{
	Use:          "leafcache",
	Short:        "Local-first plant photo cache with cloud sync",
	Long:         `Stores plant photos in a local cache and replicates them to an S3-compatible bucket when credentials are available.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&offlineFlag, "offline", false, "Run without loading credentials (no cloud sync)")
	rootCmd.PersistentFlags().StringVar(&settingsFlag, "settings", "", "Path to settings.yaml (default: user config dir)")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(urlCmd)
	rootCmd.AddCommand(bucketsCmd)
}

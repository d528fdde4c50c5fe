package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "rc-realtime",
	Short: "Real-time notification fabric for event photo sharing",
	Long:  `WebSocket notification fabric with an internal ingest API. Commands: api, migrate, seed, command.`,
	// An explicit --env-file is loaded before config.Load picks up the default .env.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile == "" {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("env file %s: %w", envFile, err)
		}
		return nil
	},
	RunE: runAPI, // default: run API (same as "rc-realtime api")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file first")
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}

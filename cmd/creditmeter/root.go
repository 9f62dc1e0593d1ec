package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	envFile    string
	tuningFile string
)

var rootCmd = &cobra.Command{
	Use:   "creditmeter",
	Short: "Credits metering and settlement engine",
	Long: `creditmeter rates LLM token usage into credits and settles it against
per-user wallets.

  creditmeter serve     # HTTP API, aggregator and balance stream
  creditmeter worker    # Kafka settlement-batch consumer
  creditmeter migrate   # apply schema migrations and exit`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Overload(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
		}
		if tuningFile != "" {
			return os.Setenv("SETTLEMENT_TUNING_FILE", tuningFile)
		}
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file applied on top of the environment")
	rootCmd.PersistentFlags().StringVar(&tuningFile, "tuning", "", "settlement tuning file (overrides SETTLEMENT_TUNING_FILE)")
}

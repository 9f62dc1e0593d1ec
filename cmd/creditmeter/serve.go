package main

import (
	"github.com/smallbiznis/creditmeter/internal/bootstrap"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var skipMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the settlement API.

The process migrates the schema (unless --skip-migrate), serves the Start/End,
wallet and admin routes, batches End calls and relays balance events to
websocket subscribers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(bootstrap.API(bootstrap.Options{Migrate: !skipMigrate}))
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume settlement batches from Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(bootstrap.Worker(bootstrap.Options{}))
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not migrate the schema on startup")
	rootCmd.AddCommand(serveCmd, workerCmd)
}

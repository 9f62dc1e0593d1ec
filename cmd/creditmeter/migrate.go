package main

import (
	"context"
	"time"

	"github.com/smallbiznis/creditmeter/internal/bootstrap"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(bootstrap.Migrate(), fx.NopLogger)
		if err := app.Err(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.Start(ctx); err != nil {
			return err
		}
		return app.Stop(ctx)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

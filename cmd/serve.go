package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"drguard/internal/application"
	"drguard/internal/display"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon with schedules and health monitoring",
		Long: `Run drguard as a long-lived daemon. Configured schedules fire their
backups, the health loop watches every component and storage region,
and alerts are raised and notified as states change. Stops cleanly on
SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				app.Logger().WithField("version", version).Info("drguard daemon running")
				app.Wait(ctx)
				return nil
			})
		},
	}
	rootCmd.AddCommand(serveCmd)
}

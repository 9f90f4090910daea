package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"drguard/internal/application"
	"drguard/internal/display"
)

func init() {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show system health and active alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				status := app.Orchestrator().CheckHealth(ctx)
				renderer.SystemStatus(status, app.Orchestrator().ActiveAlerts())
				return nil
			})
		},
	}
	rootCmd.AddCommand(statusCmd)

	alertCmd := &cobra.Command{
		Use:   "alert",
		Short: "Acknowledge and resolve system alerts",
	}
	alertCmd.AddCommand(newAlertAckCommand())
	alertCmd.AddCommand(newAlertResolveCommand())
	rootCmd.AddCommand(alertCmd)
}

func newAlertAckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				if err := app.Orchestrator().AcknowledgeAlert(args[0]); err != nil {
					return err
				}
				renderer.Successf("alert %s acknowledged", args[0])
				return nil
			})
		},
	}
}

func newAlertResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <alert-id>",
		Short: "Resolve an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				if err := app.Orchestrator().ResolveAlert(args[0]); err != nil {
					return err
				}
				renderer.Successf("alert %s resolved", args[0])
				return nil
			})
		},
	}
}

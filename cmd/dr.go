package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"drguard/internal/application"
	"drguard/internal/display"
	"drguard/internal/orchestrator"
)

func init() {
	drCmd := &cobra.Command{
		Use:   "dr",
		Short: "Trigger and inspect disaster recovery runs",
	}
	drCmd.AddCommand(newDRTriggerCommand())
	drCmd.AddCommand(newDRRunsCommand())
	drCmd.AddCommand(newDRShowCommand())
	rootCmd.AddCommand(drCmd)
}

func newDRTriggerCommand() *cobra.Command {
	var (
		drType      string
		description string
		systems     []string
		noWait      bool
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Run the disaster recovery pipeline from the newest backup",
		Long: `Run the full disaster recovery pipeline: validate the newest completed
backup, restore it, verify data integrity, restart the affected
services, and run health checks. Steps retry with backoff before the
run is marked failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				ok, err := newPrompt(renderer).ConfirmDisasterRecovery(drType, systems)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("aborted")
				}
				runID, err := app.Orchestrator().TriggerDisasterRecovery(ctx, drType, description, systems)
				if err != nil {
					return err
				}
				if noWait {
					renderer.Successf("disaster recovery started: %s", runID)
					return nil
				}
				run, err := app.Orchestrator().AwaitRun(ctx, runID)
				if err != nil {
					return err
				}
				renderer.RecoveryRun(run)
				if run.Status == orchestrator.RunFailed {
					return fmt.Errorf("disaster recovery run %s failed", runID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&drType, "type", "manual", "incident type (e.g. regional_outage, data_corruption, manual)")
	cmd.Flags().StringVar(&description, "description", "", "free-form incident description")
	cmd.Flags().StringSliceVar(&systems, "systems", nil, "services to restart after the restore")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after starting instead of waiting")
	return cmd
}

func newDRRunsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List disaster recovery runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				renderer.RunList(app.Orchestrator().ListRuns())
				return nil
			})
		},
	}
}

func newDRShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one disaster recovery run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				run, err := app.Orchestrator().GetRun(args[0])
				if err != nil {
					return err
				}
				renderer.RecoveryRun(run)
				return nil
			})
		},
	}
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"drguard/internal/application"
	"drguard/internal/display"
	"drguard/internal/replication"
)

func init() {
	replicateCmd := &cobra.Command{
		Use:   "replicate",
		Short: "Copy backup artifacts to secondary regions",
	}
	replicateCmd.AddCommand(newReplicateStartCommand())
	replicateCmd.AddCommand(newReplicateListCommand())
	replicateCmd.AddCommand(newReplicateShowCommand())
	replicateCmd.AddCommand(newReplicateCleanupCommand())
	rootCmd.AddCommand(replicateCmd)
}

// requireReplicator rejects replication commands when the feature is
// disabled in the configuration.
func requireReplicator(app *application.App) (*replication.Replicator, error) {
	replicator := app.Replicator()
	if replicator == nil {
		return nil, fmt.Errorf("replication is not enabled; set replication.enabled in the configuration")
	}
	return replicator, nil
}

func newReplicateStartCommand() *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "start <backup-id>",
		Short: "Replicate a backup to every configured target region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				replicator, err := requireReplicator(app)
				if err != nil {
					return err
				}
				meta, err := app.Backups().GetMetadata(args[0])
				if err != nil {
					return err
				}
				jobID, err := replicator.StartReplication(args[0], meta)
				if err != nil {
					return err
				}
				if noWait {
					renderer.Successf("replication started: %s", jobID)
					return nil
				}
				job, err := replicator.AwaitJob(ctx, jobID)
				if err != nil {
					return err
				}
				renderer.ReplicationJob(job)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after queueing instead of waiting")
	return cmd
}

func newReplicateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List replication jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				replicator, err := requireReplicator(app)
				if err != nil {
					return err
				}
				for _, job := range replicator.ListJobs() {
					renderer.ReplicationJob(job)
				}
				return nil
			})
		},
	}
}

func newReplicateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one replication job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				replicator, err := requireReplicator(app)
				if err != nil {
					return err
				}
				job, err := replicator.GetJob(args[0])
				if err != nil {
					return err
				}
				renderer.ReplicationJob(job)
				return nil
			})
		},
	}
}

func newReplicateCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove replicas older than the configured retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				replicator, err := requireReplicator(app)
				if err != nil {
					return err
				}
				removed, err := replicator.CleanupOldReplicas(ctx)
				if err != nil {
					return err
				}
				renderer.Successf("removed %d expired replicas", removed)
				return nil
			})
		},
	}
}

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"drguard/internal/application"
	"drguard/internal/display"
	"drguard/internal/restore"
)

func init() {
	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore backups: complete, partial, point-in-time, test, or clone",
	}
	restoreCmd.AddCommand(newRestoreStartCommand())
	restoreCmd.AddCommand(newRestoreListCommand())
	restoreCmd.AddCommand(newRestoreShowCommand())
	restoreCmd.AddCommand(newRestoreCancelCommand())
	rootCmd.AddCommand(restoreCmd)
}

func newRestoreStartCommand() *cobra.Command {
	var (
		kind        string
		tables      []string
		pointInTime string
		overwrite   bool
		cloneTarget string
		target      string
		batchSize   int
		verify      bool
		noWait      bool
	)
	cmd := &cobra.Command{
		Use:   "start <backup-id>",
		Short: "Start a restore and wait for it to finish",
		Long: `Start a restore from a stored backup. Test restores validate the
artifact and simulate the work without touching the target database;
clone restores materialize the backup into a separate environment.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options := restore.Options{
				Kind:              restore.Kind(kind),
				OverwriteExisting: overwrite,
				Verify:            verify,
				Tables:            tables,
				TargetEnvironment: target,
				CloneTarget:       cloneTarget,
				BatchSize:         batchSize,
			}
			if pointInTime != "" {
				ts, err := time.Parse(time.RFC3339, pointInTime)
				if err != nil {
					return fmt.Errorf("invalid --point-in-time (want RFC3339, e.g. 2024-06-01T12:00:00Z): %w", err)
				}
				options.PointInTime = &ts
			}
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				if overwrite {
					ok, err := newPrompt(renderer).ConfirmOverwriteRestore(args[0])
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("aborted")
					}
				}
				jobID, err := app.Restorer().StartRestore(ctx, args[0], options)
				if err != nil {
					return err
				}
				if noWait {
					renderer.Successf("restore started: %s", jobID)
					return nil
				}
				job, err := app.Restorer().AwaitJob(ctx, jobID)
				if err != nil {
					return err
				}
				renderer.RestoreJob(job)
				if job.Status == restore.JobFailed {
					return fmt.Errorf("restore %s failed", jobID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(restore.KindComplete),
		"restore kind (complete, partial, point-in-time, test, clone)")
	cmd.Flags().StringSliceVar(&tables, "tables", nil, "tables for a partial restore")
	cmd.Flags().StringVar(&pointInTime, "point-in-time", "", "target instant for a point-in-time restore (RFC3339)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "clear each target table before inserting")
	cmd.Flags().StringVar(&cloneTarget, "clone-target", "", "environment for a clone restore")
	cmd.Flags().StringVar(&target, "target", "", "target environment (default: the connection's database)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "rows per insert batch (default 500)")
	cmd.Flags().BoolVar(&verify, "verify", false, "run post-restore verification checks")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after queueing instead of waiting")
	return cmd
}

func newRestoreListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List restore jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				for _, job := range app.Restorer().ListJobs() {
					renderer.RestoreJob(job)
				}
				return nil
			})
		},
	}
}

func newRestoreShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one restore job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				job, err := app.Restorer().GetJob(args[0])
				if err != nil {
					return err
				}
				renderer.RestoreJob(job)
				return nil
			})
		},
	}
}

func newRestoreCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running restore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				if err := app.Restorer().CancelRestore(args[0]); err != nil {
					return err
				}
				renderer.Successf("restore %s cancelled", args[0])
				return nil
			})
		},
	}
}

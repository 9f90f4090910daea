package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"drguard/internal/application"
	"drguard/internal/backup"
	"drguard/internal/display"
)

func init() {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, inspect, verify, and delete backups",
	}
	backupCmd.AddCommand(newBackupCreateCommand())
	backupCmd.AddCommand(newBackupListCommand())
	backupCmd.AddCommand(newBackupShowCommand())
	backupCmd.AddCommand(newBackupVerifyCommand())
	backupCmd.AddCommand(newBackupDeleteCommand())
	backupCmd.AddCommand(newBackupPruneCommand())
	rootCmd.AddCommand(backupCmd)
}

func newBackupCreateCommand() *cobra.Command {
	var (
		kind   string
		tier   string
		tables []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backup and wait for it to finish",
		Long: `Create a backup and wait for completion. With replication or automatic
verification enabled, the finished backup is also replicated to the
secondary regions and restore-tested in a scratch environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				result, err := app.Orchestrator().CreateAutomatedBackup(ctx, backup.Kind(kind), backup.Options{
					Tier:        backup.Tier(tier),
					Tables:      tables,
					TriggeredBy: "manual",
				})
				if err != nil {
					return err
				}
				job, err := app.Backups().GetJob(result.JobID)
				if err != nil {
					return err
				}
				renderer.BackupJob(job)
				if result.ReplicationJobID != "" {
					renderer.Successf("replication queued: %s", result.ReplicationJobID)
				}
				if result.RecoveryTestID != "" {
					renderer.Successf("recovery test started: %s", result.RecoveryTestID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(backup.KindFull),
		"backup kind (full, incremental, differential, schema, data, files, configuration)")
	cmd.Flags().StringVar(&tier, "tier", string(backup.TierAdhoc),
		"retention tier (daily, weekly, monthly, yearly, adhoc)")
	cmd.Flags().StringSliceVar(&tables, "tables", nil, "restrict data capture to these tables")
	return cmd
}

func newBackupListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the backup catalog, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				renderer.BackupList(app.Backups().ListBackups())
				return nil
			})
		},
	}
}

func newBackupShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <backup-id>",
		Short: "Show one catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				meta, err := app.Backups().GetMetadata(args[0])
				if err != nil {
					return err
				}
				renderer.BackupList([]*backup.Metadata{meta})
				return nil
			})
		},
	}
}

func newBackupVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <backup-id>",
		Short: "Verify a stored artifact against its recorded checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				if err := app.Backups().VerifyBackup(ctx, args[0]); err != nil {
					renderer.Errorf("verification failed: %v", err)
					return err
				}
				renderer.Successf("backup %s verified", args[0])
				return nil
			})
		},
	}
}

func newBackupDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup and its stored artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				ok, err := newPrompt(renderer).ConfirmDeleteBackup(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("aborted")
				}
				if err := app.Backups().DeleteBackup(ctx, args[0]); err != nil {
					return err
				}
				renderer.Successf("backup %s deleted", args[0])
				return nil
			})
		},
	}
}

func newBackupPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy and delete expired backups",
		Long: `Apply the configured retention policy. Per-tier counts, maximum age,
and the total size budget each mark backups for deletion; the newest
backup and the bases of kept incremental chains always survive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				plan, err := app.Backups().ApplyRetention(ctx)
				if err != nil {
					return err
				}
				if len(plan.Delete) == 0 {
					renderer.Successf("nothing to prune, %d backups kept", len(plan.Keep))
					return nil
				}
				for _, meta := range plan.Delete {
					renderer.Successf("deleted %s (%s)", meta.ID, plan.Reasons[meta.ID])
				}
				renderer.Successf("pruned %d backups, %d kept", len(plan.Delete), len(plan.Keep))
				return nil
			})
		},
	}
}

package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"drguard/internal/application"
	"drguard/internal/backup"
	"drguard/internal/display"
	"drguard/internal/schedule"
)

func init() {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring backup schedules",
	}
	scheduleCmd.AddCommand(newScheduleListCommand())
	scheduleCmd.AddCommand(newScheduleCreateCommand())
	scheduleCmd.AddCommand(newScheduleEnableCommand())
	scheduleCmd.AddCommand(newScheduleDisableCommand())
	scheduleCmd.AddCommand(newScheduleDeleteCommand())
	scheduleCmd.AddCommand(newScheduleTriggerCommand())
	rootCmd.AddCommand(scheduleCmd)
}

func newScheduleListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				renderer.ScheduleList(app.Scheduler().ListSchedules())
				return nil
			})
		},
	}
}

func newScheduleCreateCommand() *cobra.Command {
	var (
		name          string
		description   string
		frequency     string
		timeOfDay     string
		timezone      string
		weekday       int
		dayOfMonth    int
		intervalHours int
		cronExpr      string
		kind          string
		tier          string
		tables        []string
		disabled      bool
		notify        bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		Long: `Create a recurring backup schedule.

Examples:
  drguard schedule create --name=nightly --frequency=daily --time=02:00 --kind=full --tier=daily
  drguard schedule create --name=hourly-incr --frequency=custom --interval-hours=1 --kind=incremental
  drguard schedule create --name=weekly --frequency=custom --cron="0 3 * * 0" --kind=full --tier=weekly`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				created, err := app.Scheduler().CreateSchedule(schedule.Schedule{
					Name:           name,
					Description:    description,
					Frequency:      schedule.Frequency(frequency),
					TimeOfDay:      timeOfDay,
					Timezone:       timezone,
					Weekday:        time.Weekday(weekday),
					DayOfMonth:     dayOfMonth,
					IntervalHours:  intervalHours,
					CronExpression: cronExpr,
					Kind:           backup.Kind(kind),
					Tier:           backup.Tier(tier),
					Tables:         tables,
					Enabled:        !disabled,
					Notify:         notify,
				})
				if err != nil {
					return err
				}
				renderer.ScheduleList([]*schedule.Schedule{created})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "schedule name (required)")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringVar(&frequency, "frequency", string(schedule.FrequencyDaily),
		"recurrence (daily, weekly, monthly, custom)")
	cmd.Flags().StringVar(&timeOfDay, "time", "02:00", "time of day, HH:MM")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone (default UTC)")
	cmd.Flags().IntVar(&weekday, "weekday", 0, "weekday for weekly schedules (0=Sunday)")
	cmd.Flags().IntVar(&dayOfMonth, "day-of-month", 1, "day for monthly schedules")
	cmd.Flags().IntVar(&intervalHours, "interval-hours", 0, "interval for custom schedules")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "five-field cron expression for custom schedules")
	cmd.Flags().StringVar(&kind, "kind", string(backup.KindFull), "backup kind")
	cmd.Flags().StringVar(&tier, "tier", string(backup.TierDaily), "retention tier")
	cmd.Flags().StringSliceVar(&tables, "tables", nil, "restrict data capture to these tables")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the schedule without arming it")
	cmd.Flags().BoolVar(&notify, "notify", false, "notify on each scheduled run")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newScheduleEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <schedule-id>",
		Short: "Enable and arm a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				sc, err := app.Scheduler().ToggleSchedule(args[0], true)
				if err != nil {
					return err
				}
				renderer.Successf("schedule %s enabled, next run %s", sc.Name, sc.NextRun.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <schedule-id>",
		Short: "Disable a schedule without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				sc, err := app.Scheduler().ToggleSchedule(args[0], false)
				if err != nil {
					return err
				}
				renderer.Successf("schedule %s disabled", sc.Name)
				return nil
			})
		},
	}
}

func newScheduleDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				if err := app.Scheduler().DeleteSchedule(args[0]); err != nil {
					return err
				}
				renderer.Successf("schedule %s deleted", args[0])
				return nil
			})
		},
	}
}

func newScheduleTriggerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <schedule-id>",
		Short: "Run a schedule's backup now and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				jobID, err := app.Scheduler().TriggerImmediateBackup(ctx, args[0])
				if err != nil {
					return err
				}
				job, err := app.Backups().AwaitJob(ctx, jobID)
				if err != nil {
					return err
				}
				renderer.BackupJob(job)
				return nil
			})
		},
	}
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"drguard/internal/application"
	"drguard/internal/display"
	"drguard/internal/recovery"
)

func init() {
	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Restore-test backups in scratch environments",
	}
	testCmd.AddCommand(newTestRunCommand())
	testCmd.AddCommand(newTestShowCommand())
	testCmd.AddCommand(newTestHistoryCommand())
	rootCmd.AddCommand(testCmd)
}

// requireTester rejects recovery test commands when the feature is disabled
// in the configuration.
func requireTester(app *application.App) (*recovery.Tester, error) {
	tester := app.Tester()
	if tester == nil {
		return nil, fmt.Errorf("recovery testing is not enabled; set recovery.enabled in the configuration")
	}
	return tester, nil
}

func newTestRunCommand() *cobra.Command {
	var (
		kind    string
		tables  []string
		queries []string
	)
	cmd := &cobra.Command{
		Use:   "run <backup-id>",
		Short: "Run a recovery test against a backup and wait for the verdict",
		Long: `Restore the backup into a scratch environment, run the configured
validation queries, and score the result. The scratch environment is
dropped afterwards whether the test passes or fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				tester, err := requireTester(app)
				if err != nil {
					return err
				}
				testID, err := tester.StartRecoveryTest(ctx, args[0], recovery.Options{
					Kind:          recovery.TestKind(kind),
					Tables:        tables,
					CustomQueries: queries,
				})
				if err != nil {
					return err
				}
				test, err := tester.AwaitTest(ctx, testID)
				if err != nil {
					return err
				}
				renderer.RecoveryTest(test)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(recovery.TestFull),
		"test kind (full, partial, schema-only, data-only)")
	cmd.Flags().StringSliceVar(&tables, "tables", nil, "tables for a partial test")
	cmd.Flags().StringSliceVar(&queries, "query", nil, "extra validation queries to run")
	return cmd
}

func newTestShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <test-id>",
		Short: "Show one recovery test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				tester, err := requireTester(app)
				if err != nil {
					return err
				}
				test, err := tester.GetTest(args[0])
				if err != nil {
					return err
				}
				renderer.RecoveryTest(test)
				return nil
			})
		},
	}
}

func newTestHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent recovery tests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App, renderer *display.Renderer) error {
				tester, err := requireTester(app)
				if err != nil {
					return err
				}
				for _, test := range tester.History(limit) {
					renderer.RecoveryTest(test)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of tests to show")
	return cmd
}

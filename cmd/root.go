package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"drguard/internal/application"
	"drguard/internal/config"
	"drguard/internal/confirmation"
	"drguard/internal/display"
	"drguard/internal/logging"
)

var (
	cfgFile      string
	outputFormat string
	autoApprove  bool
	verbose      bool
	quiet        bool

	loader = config.NewLoader()
)

var rootCmd = &cobra.Command{
	Use:   "drguard",
	Short: "Backup and disaster recovery automation for databases",
	Long: `drguard creates, verifies, replicates, and restores database backups,
and can run a full disaster recovery pipeline against the newest backup.

Backups are captured from the live database, compressed, optionally
encrypted, and written to the configured storage region. Replication
copies artifacts to secondary regions; recovery tests restore backups
into scratch environments and score their integrity.

Examples:
  # One-off full backup
  drguard backup create --kind=full --tier=daily

  # List the catalog as JSON
  drguard backup list --format=json

  # Restore a backup into a fresh environment
  drguard restore start backup_1712054400000_1a2b3c4d --kind=clone --clone-target=staging

  # Run the daemon with schedules and health checks
  drguard serve --config=/etc/drguard/drguard.yaml`,
	SilenceUsage: true,
}

// Execute runs the CLI. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default searches ., ~/.config/drguard, /etc/drguard)")
	flags.StringVar(&outputFormat, "format", "text", "output format (text, json, yaml)")
	flags.BoolVarP(&autoApprove, "yes", "y", false, "approve destructive operations without prompting")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error logging")
	loader.AddFlags(rootCmd)

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newConfigCommand())
}

// loadConfig merges file, environment, and flags, then applies the
// verbosity flags on top.
func loadConfig() (*config.SystemConfig, error) {
	if verbose && quiet {
		return nil, fmt.Errorf("--verbose and --quiet are mutually exclusive")
	}
	cfg, err := loader.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = logging.LogLevelVerbose
	}
	if quiet {
		cfg.Logging.Level = logging.LogLevelQuiet
	}
	return cfg, nil
}

func newRenderer() (*display.Renderer, error) {
	format := display.Format(outputFormat)
	if !format.IsValid() {
		return nil, fmt.Errorf("unsupported output format: %s (want text, json, or yaml)", outputFormat)
	}
	return display.NewRenderer(os.Stdout, format), nil
}

func newPrompt(renderer *display.Renderer) *confirmation.Prompt {
	prompt := confirmation.NewPrompt(renderer)
	prompt.AutoApprove = autoApprove
	return prompt
}

// withApp builds, starts, and tears down the full application around one
// command invocation.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *application.App, renderer *display.Renderer) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	renderer, err := newRenderer()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := application.New(ctx, cfg, application.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx, app, renderer)
}

// Version information (set by build flags).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// SetVersionInfo sets the version information from build flags.
func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drguard version %s\n", version)
			fmt.Printf("Built: %s\n", buildTime)
			fmt.Printf("Commit: %s\n", gitCommit)
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print a starter configuration file",
		Long: `Print a fully populated configuration file to stdout.

Redirect it to a file and adjust it for your environment:
  drguard config > /etc/drguard/drguard.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(config.Example())
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

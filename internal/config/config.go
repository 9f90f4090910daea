package config

import (
	"fmt"
	"os"
	"time"

	"drguard/internal/apperrors"
	"drguard/internal/backup"
	"drguard/internal/dbport"
	"drguard/internal/logging"
	"drguard/internal/notify"
	"drguard/internal/orchestrator"
	"drguard/internal/recovery"
	"drguard/internal/replication"
	"drguard/internal/restore"
	"drguard/internal/schedule"
	"drguard/internal/storage"
)

// EnvPrefix is the prefix of every environment variable the system reads.
const EnvPrefix = "DRGUARD"

// SystemConfig aggregates the configuration of every component. One file,
// one struct; each component keeps its own Validate and SetDefaults.
type SystemConfig struct {
	// StateDir is where jobs, schedules, the backup catalog, alerts, and
	// recovery runs are persisted.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// RestoreDir is where restored files and configuration snapshots land.
	RestoreDir string `yaml:"restore_dir" json:"restore_dir"`

	Logging  logging.Config   `yaml:"logging" json:"logging"`
	Database dbport.SQLConfig `yaml:"database" json:"database"`

	// Regions maps region names to storage backends. PrimaryRegion selects
	// where backups are written; the rest serve as replication targets.
	Regions       []storage.RegionConfig `yaml:"regions" json:"regions"`
	PrimaryRegion string                 `yaml:"primary_region" json:"primary_region"`

	Backup       backup.EngineConfig `yaml:"backup" json:"backup"`
	Restore      restore.Config      `yaml:"restore" json:"restore"`
	Replication  replication.Config  `yaml:"replication" json:"replication"`
	Recovery     recovery.Config     `yaml:"recovery" json:"recovery"`
	Orchestrator orchestrator.Config `yaml:"orchestrator" json:"orchestrator"`
	Notify       notify.Config       `yaml:"notifications" json:"notifications"`

	// Schedules are seeded into the scheduler on startup. Schedules created
	// at runtime live in the state store, not here.
	Schedules []schedule.Schedule `yaml:"schedules" json:"schedules"`
}

// SetDefaults fills in sane defaults for every component.
func (c *SystemConfig) SetDefaults() {
	if c.StateDir == "" {
		c.StateDir = "./state"
	}
	if c.RestoreDir == "" {
		c.RestoreDir = "./restored"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = logging.LogLevelNormal
	}
	if len(c.Regions) == 0 {
		c.Regions = []storage.RegionConfig{{
			Region:  "primary",
			Storage: storage.Config{Provider: storage.ProviderLocal},
		}}
	}
	for i := range c.Regions {
		c.Regions[i].Storage.SetDefaults()
	}
	if c.PrimaryRegion == "" {
		c.PrimaryRegion = c.Regions[0].Region
	}
	if c.Replication.SourceRegion == "" {
		c.Replication.SourceRegion = c.PrimaryRegion
	}
	c.Database.SetDefaults()
	c.Backup.SetDefaults()
	c.Restore.SetDefaults()
	c.Replication.SetDefaults()
	c.Recovery.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Notify.SetDefaults()
}

// Validate checks the whole configuration. The first invalid component
// fails the load.
func (c *SystemConfig) Validate() error {
	if c.StateDir == "" {
		return apperrors.NewValidationError("state directory is required", nil)
	}
	seen := make(map[string]bool, len(c.Regions))
	for _, region := range c.Regions {
		if region.Region == "" {
			return apperrors.NewValidationError("region name cannot be empty", nil)
		}
		if seen[region.Region] {
			return apperrors.NewValidationError(fmt.Sprintf("duplicate region: %s", region.Region), nil)
		}
		seen[region.Region] = true
		if err := region.Storage.Validate(); err != nil {
			return fmt.Errorf("region %s: %w", region.Region, err)
		}
	}
	if !seen[c.PrimaryRegion] {
		return apperrors.NewValidationError(fmt.Sprintf("primary region %s is not configured", c.PrimaryRegion), nil)
	}
	for _, target := range c.Replication.TargetRegions {
		if !seen[target] {
			return apperrors.NewValidationError(fmt.Sprintf("replication target region %s is not configured", target), nil)
		}
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.Backup.Validate(); err != nil {
		return err
	}
	if err := c.Replication.Validate(); err != nil {
		return err
	}
	for i := range c.Schedules {
		if err := c.Schedules[i].Validate(); err != nil {
			return fmt.Errorf("schedule %q: %w", c.Schedules[i].Name, err)
		}
	}
	return nil
}

// LoadFromEnvironment overlays secrets and connection details from
// DRGUARD_-prefixed environment variables. Only values that never belong in
// a config file are read here; everything else goes through the file/flag
// merge.
func (c *SystemConfig) LoadFromEnvironment() {
	if dsn := os.Getenv(EnvPrefix + "_DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if pass := os.Getenv(EnvPrefix + "_ENCRYPTION_PASSPHRASE"); pass != "" {
		c.Backup.Encryption.Enabled = true
		c.Backup.Encryption.KeySource = backup.KeySourcePassphrase
		c.Backup.Encryption.Passphrase = pass
	}
	for i := range c.Regions {
		s3 := &c.Regions[i].Storage.S3
		if s3.AccessKeyID == "" {
			s3.AccessKeyID = os.Getenv(EnvPrefix + "_S3_ACCESS_KEY_ID")
		}
		if s3.SecretAccessKey == "" {
			s3.SecretAccessKey = os.Getenv(EnvPrefix + "_S3_SECRET_ACCESS_KEY")
		}
		azure := &c.Regions[i].Storage.Azure
		if azure.AccountKey == "" {
			azure.AccountKey = os.Getenv(EnvPrefix + "_AZURE_ACCOUNT_KEY")
		}
	}
	if hook := os.Getenv(EnvPrefix + "_SLACK_WEBHOOK_URL"); hook != "" && c.Notify.Slack != nil {
		c.Notify.Slack.WebhookURL = hook
	}
}

// ReplicaRegions returns the storage configs of every non-primary region,
// which is what the replicator needs providers for.
func (c *SystemConfig) ReplicaRegions() []storage.RegionConfig {
	out := make([]storage.RegionConfig, 0, len(c.Regions))
	for _, region := range c.Regions {
		if region.Region == c.PrimaryRegion {
			continue
		}
		out = append(out, region)
	}
	return out
}

// Primary returns the primary region's storage config.
func (c *SystemConfig) Primary() (storage.Config, error) {
	for _, region := range c.Regions {
		if region.Region == c.PrimaryRegion {
			return region.Storage, nil
		}
	}
	return storage.Config{}, apperrors.NewValidationError(fmt.Sprintf("primary region %s is not configured", c.PrimaryRegion), nil)
}

// Example returns a fully populated configuration suitable for writing out
// as a starter file.
func Example() *SystemConfig {
	cfg := &SystemConfig{
		StateDir:   "/var/lib/drguard/state",
		RestoreDir: "/var/lib/drguard/restored",
		Logging:    logging.Config{Level: logging.LogLevelNormal, Format: "text"},
		Database: dbport.SQLConfig{
			Dialect: dbport.DialectMySQL,
			DSN:     "user:password@tcp(localhost:3306)/appdb",
		},
		Regions: []storage.RegionConfig{
			{Region: "primary", Storage: storage.Config{
				Provider: storage.ProviderLocal,
				Local:    storage.LocalConfig{BasePath: "/var/lib/drguard/backups"},
			}},
			{Region: "us-west-2", Storage: storage.Config{
				Provider: storage.ProviderS3,
				S3:       storage.S3Config{Region: "us-west-2", Bucket: "drguard-replicas"},
			}},
		},
		PrimaryRegion: "primary",
		Backup: backup.EngineConfig{
			Compression: backup.CompressionConfig{Enabled: true, Algorithm: backup.CompressionGzip},
			Retention:   backup.RetentionConfig{KeepDaily: 7, KeepWeekly: 4, KeepMonthly: 12},
		},
		Replication: replication.Config{
			Enabled:       true,
			TargetRegions: []string{"us-west-2"},
		},
		Recovery: recovery.Config{
			Enabled:   true,
			Frequency: 24 * time.Hour,
		},
		Notify: notify.Config{Enabled: true},
		Schedules: []schedule.Schedule{{
			Name:      "nightly",
			Frequency: schedule.FrequencyDaily,
			TimeOfDay: "02:00",
			Kind:      backup.KindFull,
			Tier:      backup.TierDaily,
			Enabled:   true,
		}},
	}
	cfg.Orchestrator.DR.Enabled = true
	cfg.SetDefaults()
	return cfg
}

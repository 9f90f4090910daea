package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Loader merges configuration from file, environment variables, and CLI
// flags, in increasing order of precedence.
type Loader struct {
	viper *viper.Viper
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{viper: viper.New()}
}

// AddFlags registers the flags shared by every command and binds them into
// the merge.
func (l *Loader) AddFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("state-dir", "", "Directory for job, schedule, and catalog state")
	flags.String("restore-dir", "", "Directory restored files are written to")
	flags.String("log-level", "", "Log level (quiet, normal, verbose, debug)")
	flags.String("log-format", "", "Log format (text or json)")
	flags.String("database-dsn", "", "Target database DSN")
	flags.String("database-dialect", "", "Target database dialect (mysql or postgres)")

	l.viper.BindPFlag("state_dir", flags.Lookup("state-dir"))
	l.viper.BindPFlag("restore_dir", flags.Lookup("restore-dir"))
	l.viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	l.viper.BindPFlag("logging.format", flags.Lookup("log-format"))
	l.viper.BindPFlag("database.dsn", flags.Lookup("database-dsn"))
	l.viper.BindPFlag("database.dialect", flags.Lookup("database-dialect"))
}

// Load reads the configuration file, overlays DRGUARD_ environment
// variables and bound flags, then applies defaults and validates. A missing
// config file is fine; everything has a default.
func (l *Loader) Load(configFile string) (*SystemConfig, error) {
	if configFile != "" {
		l.viper.SetConfigFile(configFile)
	} else {
		l.viper.SetConfigName("drguard")
		l.viper.SetConfigType("yaml")
		l.viper.AddConfigPath(".")
		l.viper.AddConfigPath("$HOME/.config/drguard")
		l.viper.AddConfigPath("/etc/drguard")
	}

	l.viper.SetEnvPrefix(EnvPrefix)
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.AutomaticEnv()

	if err := l.viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// The config structs carry yaml tags; tell the decoder to use them.
	var config SystemConfig
	withYAMLTags := func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }
	if err := l.viper.Unmarshal(&config, withYAMLTags); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.LoadFromEnvironment()
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// UsedConfigFile returns the path of the config file that was read, or
// empty when defaults were used.
func (l *Loader) UsedConfigFile() string {
	return l.viper.ConfigFileUsed()
}

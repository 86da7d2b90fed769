package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig   `mapstructure:"server"`
	Storage     StorageConfig  `mapstructure:"storage"`
	CatchUp     CatchUpConfig  `mapstructure:"catchup"`
	Session     SessionConfig  `mapstructure:"session"`
	Commit      CommitConfig   `mapstructure:"commit"`
	Snapshot    SnapshotConfig `mapstructure:"snapshot"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Maintenance bool           `mapstructure:"maintenance_mode"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeoutSec  int           `mapstructure:"read_timeout_sec"`
	WriteTimeoutSec int           `mapstructure:"write_timeout_sec"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Directory  string `mapstructure:"directory"`
	InMemory   bool   `mapstructure:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

type CatchUpConfig struct {
	// MaxRange is the policy threshold beyond which a gap is not worth
	// incremental recovery and the client is told to full-resync.
	MaxRange uint64 `mapstructure:"max_range"`
}

type SessionConfig struct {
	// BufferLimit bounds the live-event buffer while a session catches up.
	BufferLimit int `mapstructure:"buffer_limit"`
}

type CommitConfig struct {
	// RatePerSecond limits producer commits; 0 disables limiting.
	RatePerSecond int `mapstructure:"rate_per_second"`
}

type SnapshotConfig struct {
	// Window is how many trailing sequence slots a resync snapshot carries.
	Window uint64 `mapstructure:"window"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout_sec", 30)
	v.SetDefault("server.write_timeout_sec", 30)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("storage.directory", "data")
	v.SetDefault("storage.in_memory", false)
	v.SetDefault("storage.sync_writes", true)
	v.SetDefault("catchup.max_range", 1000)
	v.SetDefault("session.buffer_limit", 256)
	v.SetDefault("commit.rate_per_second", 0)
	v.SetDefault("snapshot.window", 500)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("maintenance_mode", false)

	// Environment variable support
	v.SetEnvPrefix("SYNCWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if !c.Storage.InMemory && c.Storage.Directory == "" {
		return fmt.Errorf("storage.directory is required unless storage.in_memory is set")
	}
	if c.CatchUp.MaxRange < 1 {
		return fmt.Errorf("catchup.max_range must be >= 1")
	}
	if c.Session.BufferLimit < 1 {
		return fmt.Errorf("session.buffer_limit must be >= 1")
	}
	if c.Commit.RatePerSecond < 0 {
		return fmt.Errorf("commit.rate_per_second must be >= 0")
	}
	return nil
}

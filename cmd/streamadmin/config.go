package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the streamadmin configuration, loaded from a config file
// with STREAMADMIN_* environment overrides.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Tables   TablesConfig   `mapstructure:"tables"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type TablesConfig struct {
	Documents   string `mapstructure:"documents"`
	Events      string `mapstructure:"events"`
	Snapshots   string `mapstructure:"snapshots"`
	Checkpoints string `mapstructure:"checkpoints"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func loadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("streamadmin")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tables.documents", "stream_documents")
	v.SetDefault("tables.events", "stream_events")
	v.SetDefault("tables.snapshots", "stream_snapshots")
	v.SetDefault("tables.checkpoints", "projection_checkpoints")
	v.SetDefault("log.level", "info")
}

func (c Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (or STREAMADMIN_DATABASE_DSN)")
	}
	return nil
}

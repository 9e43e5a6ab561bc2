package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Debug                bool   `mapstructure:"debug"`
	Port                 int    `mapstructure:"port"`
	RclonePath           string `mapstructure:"rclone_path"`
	DBPath               string `mapstructure:"db_path"`
	SchedulerTickSeconds int    `mapstructure:"scheduler_tick_seconds"`
	ProbeIntervalSeconds int    `mapstructure:"probe_interval_seconds"`
	ProbeTarget          string `mapstructure:"probe_target"`
	QuotaRemote          string `mapstructure:"quota_remote"`
	QuotaRefreshSeconds  int    `mapstructure:"quota_refresh_seconds"`
	ActivityCap          int    `mapstructure:"activity_cap"`
	ShutdownGraceSeconds int    `mapstructure:"shutdown_grace_seconds"`
}

var Default = Config{
	Port:                 9400,
	RclonePath:           "rclone",
	DBPath:               "driftsync.db",
	SchedulerTickSeconds: 60,
	ProbeIntervalSeconds: 30,
	ProbeTarget:          "8.8.8.8:53",
	QuotaRefreshSeconds:  300,
	ActivityCap:          1000,
	ShutdownGraceSeconds: 10,
}

func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home dir: %w", err)
	}

	configDir := filepath.Join(home, ".driftsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)

	viper.SetDefault("debug", Default.Debug)
	viper.SetDefault("port", Default.Port)
	viper.SetDefault("rclone_path", Default.RclonePath)
	viper.SetDefault("db_path", Default.DBPath)
	viper.SetDefault("scheduler_tick_seconds", Default.SchedulerTickSeconds)
	viper.SetDefault("probe_interval_seconds", Default.ProbeIntervalSeconds)
	viper.SetDefault("probe_target", Default.ProbeTarget)
	viper.SetDefault("quota_remote", Default.QuotaRemote)
	viper.SetDefault("quota_refresh_seconds", Default.QuotaRefreshSeconds)
	viper.SetDefault("activity_cap", Default.ActivityCap)
	viper.SetDefault("shutdown_grace_seconds", Default.ShutdownGraceSeconds)

	viper.SetEnvPrefix("DRIFTSYNC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := errors.AsType[viper.ConfigFileNotFoundError](err); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Watch re-reads the config file on change and hands the fresh Config to fn.
// Decode failures keep the previous values.
func Watch(fn func(Config)) {
	viper.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := viper.Unmarshal(&cfg); err != nil {
			return
		}
		fn(cfg)
	})
	viper.WatchConfig()
}

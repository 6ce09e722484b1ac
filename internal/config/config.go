// Package config loads supervisor configuration from the environment and
// an optional YAML file in the data directory. Policy constants (watchdog
// thresholds, health windows, pool sizing) deliberately live here instead
// of being hard-coded at their call sites.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved supervisor configuration.
type Config struct {
	DataPath string `mapstructure:"data_path"`
	APIAddr  string `mapstructure:"api_addr"`
	LogLevel string `mapstructure:"log_level"`

	Workers            int           `mapstructure:"workers"`
	JobTimeout         time.Duration `mapstructure:"job_timeout"`
	JobHistoryWindow   time.Duration `mapstructure:"job_history_window"`
	UpdateJobTimeout   time.Duration `mapstructure:"update_job_timeout"`
	HealthWindow       time.Duration `mapstructure:"health_window"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	WatchdogInterval   time.Duration `mapstructure:"watchdog_interval"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	FlapWindow         time.Duration `mapstructure:"flap_window"`
	FlapMax            int           `mapstructure:"flap_max"`
	AutoUpdateInterval time.Duration `mapstructure:"auto_update_interval"`
}

// Load resolves configuration. Environment variables use the SUPERVISOR_
// prefix; a supervisor.yml in the data directory is merged in when present.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("supervisor")
	v.AutomaticEnv()

	v.SetDefault("data_path", "/data/supervisor")
	v.SetDefault("api_addr", ":9123")
	v.SetDefault("log_level", "info")
	v.SetDefault("workers", 4)
	v.SetDefault("job_timeout", 2*time.Minute)
	v.SetDefault("job_history_window", 24*time.Hour)
	v.SetDefault("update_job_timeout", 15*time.Minute)
	v.SetDefault("health_window", 2*time.Minute)
	v.SetDefault("health_interval", 5*time.Second)
	v.SetDefault("watchdog_interval", 30*time.Second)
	v.SetDefault("failure_threshold", 3)
	v.SetDefault("flap_window", 10*time.Minute)
	v.SetDefault("flap_max", 3)
	v.SetDefault("auto_update_interval", 8*time.Hour)

	v.SetConfigName("supervisor")
	v.SetConfigType("yml")
	v.AddConfigPath(v.GetString("data_path"))
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// DatabasePath is the sqlite database location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataPath, "supervisor.db")
}

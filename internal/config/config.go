package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for dosewise
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Adherence AdherenceConfig `mapstructure:"adherence"`
	Reminder  ReminderConfig  `mapstructure:"reminder"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Remote    RemoteConfig    `mapstructure:"remote"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	BadgerPath string `mapstructure:"badger_path"`
}

// ScheduleConfig holds dose timing settings
type ScheduleConfig struct {
	ToleranceMinutes int `mapstructure:"tolerance_minutes"`
}

// AdherenceConfig holds risk calculation settings
type AdherenceConfig struct {
	WindowDays int `mapstructure:"window_days"`
}

// ReminderConfig holds reminder scheduling settings
type ReminderConfig struct {
	LookaheadDays int `mapstructure:"lookahead_days"`
}

// SyncConfig holds offline queue drain settings
type SyncConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	BatchSize       int `mapstructure:"batch_size"`
	RetryThreshold  int `mapstructure:"retry_threshold"`
	RatePerSecond   int `mapstructure:"rate_per_second"`
}

// SweepConfig holds server risk sweep settings
type SweepConfig struct {
	Cron            string `mapstructure:"cron"`
	WindowDays      int    `mapstructure:"window_days"`
	InactivityHours int    `mapstructure:"inactivity_hours"`
	WebhookURL      string `mapstructure:"webhook_url"`
}

// RemoteConfig holds remote record store settings
type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v.Set("storage.data_dir", dataDir)
	v.SetDefault("storage.sqlite_path", filepath.Join(dataDir, "dosewise.db"))
	v.SetDefault("storage.badger_path", filepath.Join(dataDir, "reminders"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "dosewise.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Environment variables (DOSEWISE_SERVER_PORT, DOSEWISE_REMOTE_API_KEY, etc.)
	v.SetEnvPrefix("DOSEWISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	// Dose timing defaults
	v.SetDefault("schedule.tolerance_minutes", 30)
	v.SetDefault("adherence.window_days", 7)
	v.SetDefault("reminder.lookahead_days", 7)

	// Sync defaults
	v.SetDefault("sync.interval_seconds", 30)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.retry_threshold", 5)
	v.SetDefault("sync.rate_per_second", 0)

	// Sweep defaults
	v.SetDefault("sweep.cron", "0 * * * *")
	v.SetDefault("sweep.window_days", 7)
	v.SetDefault("sweep.inactivity_hours", 48)

	// Remote defaults
	v.SetDefault("remote.timeout_seconds", 15)
}

func getDefaultDataDir() string {
	// Try XDG_DATA_HOME first
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "dosewise")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "dosewise")
}

func validate(cfg *Config) error {
	if cfg.Schedule.ToleranceMinutes <= 0 {
		return fmt.Errorf("schedule.tolerance_minutes must be positive")
	}
	if cfg.Adherence.WindowDays <= 0 {
		return fmt.Errorf("adherence.window_days must be positive")
	}
	if cfg.Reminder.LookaheadDays <= 0 {
		return fmt.Errorf("reminder.lookahead_days must be positive")
	}
	if cfg.Sync.RetryThreshold <= 0 {
		return fmt.Errorf("sync.retry_threshold must be positive")
	}
	return nil
}

// Tolerance returns the dose matching tolerance as a duration
func (c *Config) Tolerance() time.Duration {
	return time.Duration(c.Schedule.ToleranceMinutes) * time.Minute
}

// DrainInterval returns the sync drain period as a duration
func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// RemoteTimeout returns the remote store request timeout as a duration
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

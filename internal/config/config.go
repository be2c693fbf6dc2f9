package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
// I need settings for the HTTP server, the data directory, the auction
// parameters, and the monitor ingest token.
type Config struct {
	Port                string        `yaml:"port"`
	LogLevel            string        `yaml:"log_level"`
	DataDir             string        `yaml:"data_dir"`
	Timezone            string        `yaml:"timezone"`
	NumGPUs             int           `yaml:"num_gpus"`
	TransitionHour      int           `yaml:"transition_hour"`
	PlanningHorizonDays int           `yaml:"planning_horizon_days"`
	RolloverFraction    string        `yaml:"rollover_fraction"`
	ReleaseRefund       string        `yaml:"release_refund"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	MonitorToken        string        `yaml:"monitor_token"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
}

// LoadConfig reads configuration from the given YAML file path.
// It creates a default config file if it doesn't exist, then applies
// environment overrides (PORT, GPU_MONITOR_TOKEN, DATA_DIR, TZ).
func LoadConfig(path string) (*Config, error) {
	// I should set some sensible defaults first.
	defaultConfig := &Config{
		Port:                ":8000",
		LogLevel:            "info",
		DataDir:             "./data",
		Timezone:            "America/New_York",
		NumGPUs:             8,
		TransitionHour:      0,
		PlanningHorizonDays: 6,
		RolloverFraction:    "0.5",
		ReleaseRefund:       "0.34",
		SessionTTL:          12 * time.Hour,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
	}

	// Check if file exists, create if not
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaultConfig)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		applyEnvOverrides(defaultConfig)
		return defaultConfig, validate(defaultConfig)
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	// Read existing file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaultConfig)
	applyEnvOverrides(&cfg)

	return &cfg, validate(&cfg)
}

// applyDefaultsIfNotSet fills zero-valued fields from the defaults.
func applyDefaultsIfNotSet(cfg, defaults *Config) {
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.Timezone == "" {
		cfg.Timezone = defaults.Timezone
	}
	if cfg.NumGPUs == 0 {
		cfg.NumGPUs = defaults.NumGPUs
	}
	if cfg.PlanningHorizonDays == 0 {
		cfg.PlanningHorizonDays = defaults.PlanningHorizonDays
	}
	if cfg.RolloverFraction == "" {
		cfg.RolloverFraction = defaults.RolloverFraction
	}
	if cfg.ReleaseRefund == "" {
		cfg.ReleaseRefund = defaults.ReleaseRefund
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = defaults.SessionTTL
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
}

// applyEnvOverrides lets the environment win over the file. The monitor
// token is only ever read from the environment or the file, never defaulted.
func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			cfg.Port = ":" + port
		} else {
			cfg.Port = port
		}
	}
	if token := os.Getenv("GPU_MONITOR_TOKEN"); token != "" {
		cfg.MonitorToken = token
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if tz := os.Getenv("TZ"); tz != "" {
		cfg.Timezone = tz
	}
}

func validate(cfg *Config) error {
	if cfg.NumGPUs < 1 {
		return fmt.Errorf("num_gpus must be at least 1, got %d", cfg.NumGPUs)
	}
	if cfg.TransitionHour < 0 || cfg.TransitionHour > 23 {
		return fmt.Errorf("transition_hour must be between 0 and 23, got %d", cfg.TransitionHour)
	}
	if cfg.PlanningHorizonDays < 1 {
		return fmt.Errorf("planning_horizon_days must be at least 1, got %d", cfg.PlanningHorizonDays)
	}
	if _, err := decimal.NewFromString(cfg.RolloverFraction); err != nil {
		return fmt.Errorf("invalid rollover_fraction %q: %w", cfg.RolloverFraction, err)
	}
	if _, err := decimal.NewFromString(cfg.ReleaseRefund); err != nil {
		return fmt.Errorf("invalid release_refund %q: %w", cfg.ReleaseRefund, err)
	}
	return nil
}

// Rollover returns the configured rollover fraction as a decimal.
func (c *Config) Rollover() decimal.Decimal {
	d, _ := decimal.NewFromString(c.RolloverFraction)
	return d
}

// Refund returns the configured per-slot release refund as a decimal.
func (c *Config) Refund() decimal.Decimal {
	d, _ := decimal.NewFromString(c.ReleaseRefund)
	return d
}

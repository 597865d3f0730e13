package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AccountConfig holds the connection settings for one mail account.
// Passwords are never stored here; they live in the system keyring keyed
// by the account ID.
type AccountConfig struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Name     string `mapstructure:"name" yaml:"name"`
	Email    string `mapstructure:"email" yaml:"email"`
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort string `mapstructure:"imap_port" yaml:"imap_port"`
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort string `mapstructure:"smtp_port" yaml:"smtp_port"`
	Username string `mapstructure:"username" yaml:"username"`
	UseTLS   bool   `mapstructure:"use_tls" yaml:"use_tls"`
}

// AIConfig holds settings for the classification model.
type AIConfig struct {
	Model     string `mapstructure:"model" yaml:"model"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// TriageConfig holds the classification policy knobs.
type TriageConfig struct {
	// AutoClassify enables classification of newly synced mail.
	AutoClassify bool `mapstructure:"auto_classify" yaml:"auto_classify"`

	// ConfidenceThreshold gates auto-apply; suggestions at or above it are
	// applied without review.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`

	// ReclassifyCooldownDays is how long a dismissed email stays ineligible
	// for automatic reclassification. Negative means never.
	ReclassifyCooldownDays int `mapstructure:"reclassify_cooldown_days" yaml:"reclassify_cooldown_days"`

	// DailyBudget caps model classifications per day, 0 meaning unlimited.
	DailyBudget int `mapstructure:"daily_budget" yaml:"daily_budget"`
}

// SyncConfig holds mailbox sync settings.
type SyncConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes" yaml:"interval_minutes"`
	FetchWindowDays int `mapstructure:"fetch_window_days" yaml:"fetch_window_days"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	AI       AIConfig        `mapstructure:"ai" yaml:"ai"`
	Triage   TriageConfig    `mapstructure:"triage" yaml:"triage"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailtriage/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailtriage", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Accounts: []AccountConfig{},
		AI: AIConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
		},
		Triage: TriageConfig{
			AutoClassify:           true,
			ConfidenceThreshold:    0.85,
			ReclassifyCooldownDays: 7,
			DailyBudget:            200,
		},
		Sync: SyncConfig{
			IntervalMinutes: 5,
			FetchWindowDays: 7,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("ai.model", "claude-sonnet-4-20250514")
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("triage.auto_classify", true)
	v.SetDefault("triage.confidence_threshold", 0.85)
	v.SetDefault("triage.reclassify_cooldown_days", 7)
	v.SetDefault("triage.daily_budget", 200)
	v.SetDefault("sync.interval_minutes", 5)
	v.SetDefault("sync.fetch_window_days", 7)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].IMAPPort == "" {
			cfg.Accounts[i].IMAPPort = "993"
		}
		if cfg.Accounts[i].SMTPPort == "" {
			cfg.Accounts[i].SMTPPort = "587"
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("ai", cfg.AI)
	v.Set("triage", cfg.Triage)
	v.Set("sync", cfg.Sync)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

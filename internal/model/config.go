package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AccountConfig seeds one mailbox account from the config file. Passwords
// are never configured here; CredentialKey references the system keyring.
type AccountConfig struct {
	ID            string `mapstructure:"id" yaml:"id"`
	Email         string `mapstructure:"email" yaml:"email"`
	IMAPHost      string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort      string `mapstructure:"imap_port" yaml:"imap_port"`
	TLS           bool   `mapstructure:"tls" yaml:"tls"`
	CredentialKey string `mapstructure:"credential_key" yaml:"credential_key"`
}

// PolicyConfig mirrors SyncPolicy for the config file.
type PolicyConfig struct {
	ActiveIntervalSec   int `mapstructure:"active_interval_sec" yaml:"active_interval_sec"`
	InactiveIntervalSec int `mapstructure:"inactive_interval_sec" yaml:"inactive_interval_sec"`
	DeepFolderScanSec   int `mapstructure:"deep_folder_scan_sec" yaml:"deep_folder_scan_sec"`
}

// AppConfig is the top-level daemon configuration.
type AppConfig struct {
	// ListenAddr is the local HTTP API bind address.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// DataDir holds the shared store and the per-account mirror databases.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// WorkerCapacity bounds how many accounts this process reconciles
	// concurrently.
	WorkerCapacity int `mapstructure:"worker_capacity" yaml:"worker_capacity"`

	Accounts      []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	DefaultPolicy PolicyConfig    `mapstructure:"default_policy" yaml:"default_policy"`
}

// SyncPolicy converts the configured default policy, falling back to
// DefaultSyncPolicy values for unset fields.
func (c *AppConfig) SyncPolicy() SyncPolicy {
	p := DefaultSyncPolicy()
	if c.DefaultPolicy.ActiveIntervalSec > 0 {
		p.Intervals.Active = c.DefaultPolicy.ActiveIntervalSec
	}
	if c.DefaultPolicy.InactiveIntervalSec > 0 {
		p.Intervals.Inactive = c.DefaultPolicy.InactiveIntervalSec
	}
	if c.DefaultPolicy.DeepFolderScanSec > 0 {
		p.FolderSyncOptions.DeepFolderScan = c.DefaultPolicy.DeepFolderScanSec
	}
	return p
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailmirror/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailmirror", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	home, _ := os.UserHomeDir()
	return &AppConfig{
		ListenAddr:     "127.0.0.1:2578",
		DataDir:        filepath.Join(home, ".local", "share", "mailmirror"),
		WorkerCapacity: 4,
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("listen_addr", "127.0.0.1:2578")
	v.SetDefault("worker_capacity", 4)

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
		if cfg.Accounts[i].CredentialKey == "" {
			cfg.Accounts[i].CredentialKey = cfg.Accounts[i].Email
		}
	}

	return cfg, nil
}

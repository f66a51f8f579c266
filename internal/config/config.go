// Package config provides configuration management for the mediadl daemon.
// It handles loading, saving, and validating configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shepherd-project/mediadl/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "mediadl.yaml"
	// ConfigDirEnv overrides the configuration directory
	ConfigDirEnv = "MEDIADL_CONFIG_DIR"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig          `mapstructure:"server" yaml:"server" json:"server"`
	Download     DownloadConfig        `mapstructure:"download" yaml:"download" json:"download"`
	Storage      storage.StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`
	Notification NotificationConfig    `mapstructure:"notification" yaml:"notification" json:"notification"`
	Log          LogConfig             `mapstructure:"log" yaml:"log" json:"log"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port           int      `mapstructure:"port" yaml:"port" json:"port"`
	Host           string   `mapstructure:"host" yaml:"host" json:"host"`
	ReadTimeout    int      `mapstructure:"read_timeout" yaml:"read_timeout" json:"readTimeout"`    // seconds
	WriteTimeout   int      `mapstructure:"write_timeout" yaml:"write_timeout" json:"writeTimeout"` // seconds
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowedOrigins"`
}

// DownloadConfig contains download manager configuration
type DownloadConfig struct {
	Directory        string `mapstructure:"directory" yaml:"directory" json:"directory"`
	UserAgent        string `mapstructure:"user_agent" yaml:"user_agent" json:"userAgent"`
	Timeout          int    `mapstructure:"timeout" yaml:"timeout" json:"timeout"`                            // seconds, 0 = no overall timeout
	ProgressInterval int    `mapstructure:"progress_interval" yaml:"progress_interval" json:"progressInterval"` // milliseconds
	PersistInterval  int    `mapstructure:"persist_interval" yaml:"persist_interval" json:"persistInterval"`    // milliseconds, 0 = every tick
	ChunkSize        int    `mapstructure:"chunk_size" yaml:"chunk_size" json:"chunkSize"`                     // bytes
	MinFreeBytes     int64  `mapstructure:"min_free_bytes" yaml:"min_free_bytes" json:"minFreeBytes"`          // 0 = no check

	HLS HLSConfig `mapstructure:"hls" yaml:"hls" json:"hls"`
}

// HLSConfig contains segment fetching settings for HLS downloads
type HLSConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	RetryCount  int `mapstructure:"retry_count" yaml:"retry_count" json:"retryCount"`
}

// NotificationConfig contains notification channel settings
type NotificationConfig struct {
	ChannelID   string `mapstructure:"channel_id" yaml:"channel_id" json:"channelId"`
	ChannelName string `mapstructure:"channel_name" yaml:"channel_name" json:"channelName"`
	Platform    string `mapstructure:"platform" yaml:"platform" json:"platform"` // android, ios, desktop
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level     string `mapstructure:"level" yaml:"level" json:"level"`             // debug, info, warn, error
	Format    string `mapstructure:"format" yaml:"format" json:"format"`          // json, text
	Output    string `mapstructure:"output" yaml:"output" json:"output"`          // stdout, file, both
	Directory string `mapstructure:"directory" yaml:"directory" json:"directory"` // log directory
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cwd, _ := os.Getwd()

	return &Config{
		Server: ServerConfig{
			Port:           9280,
			Host:           "127.0.0.1",
			ReadTimeout:    60,
			WriteTimeout:   60,
			AllowedOrigins: []string{"*"},
		},
		Download: DownloadConfig{
			Directory:        filepath.Join(cwd, "downloads"),
			UserAgent:        "mediadl/1.0",
			Timeout:          0,
			ProgressInterval: 1000,
			PersistInterval:  0,
			ChunkSize:        32 * 1024,
			HLS: HLSConfig{
				Concurrency: 4,
				RetryCount:  3,
			},
		},
		Storage: storage.StorageConfig{
			Type: storage.StorageTypeBolt,
			Bolt: &storage.BoltConfig{
				Path: filepath.Join(cwd, "data", "downloads.db"),
			},
		},
		Notification: NotificationConfig{
			ChannelID:   "download",
			ChannelName: "Downloads",
			Platform:    "android",
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			Output:    "stdout",
			Directory: filepath.Join(cwd, "logs"),
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Download.Directory == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if c.Download.ProgressInterval < 0 {
		return fmt.Errorf("progress interval cannot be negative")
	}
	if c.Download.PersistInterval < 0 {
		return fmt.Errorf("persist interval cannot be negative")
	}
	if c.Download.ChunkSize < 1024 {
		return fmt.Errorf("chunk size too small (minimum 1024 bytes)")
	}
	if c.Download.HLS.Concurrency < 1 {
		return fmt.Errorf("hls concurrency must be at least 1")
	}
	if c.Download.HLS.RetryCount < 0 {
		return fmt.Errorf("hls retry count cannot be negative")
	}

	switch c.Storage.Type {
	case storage.StorageTypeMemory:
	case storage.StorageTypeSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a path")
		}
	case storage.StorageTypeBolt:
		if c.Storage.Bolt == nil || c.Storage.Bolt.Path == "" {
			return fmt.Errorf("bolt storage requires a path")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, sqlite, or bolt)", c.Storage.Type)
	}

	validPlatforms := map[string]bool{"android": true, "ios": true, "desktop": true}
	if !validPlatforms[c.Notification.Platform] {
		return fmt.Errorf("invalid notification platform: %s", c.Notification.Platform)
	}
	if c.Notification.ChannelID == "" {
		return fmt.Errorf("notification channel id cannot be empty")
	}

	return nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	// Allow override via environment variable
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// EnsureConfigDir ensures the configuration directory exists
func EnsureConfigDir() error {
	configDir := GetConfigDir()
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return nil
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{
		configPath: filepath.Join(GetConfigDir(), DefaultConfigFile),
	}
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

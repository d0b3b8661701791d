// Package config handles loading and parsing of TeleCloud configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for TeleCloud.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Manifest  ManifestConfig  `yaml:"manifest"`
	Transport TransportConfig `yaml:"transport"`
	Engine    EngineConfig    `yaml:"engine"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ManifestConfig holds manifest store settings.
type ManifestConfig struct {
	// Path is the filesystem path for the SQLite manifest database.
	Path string `yaml:"path"`
}

// TransportConfig holds chunk transport backend settings.
type TransportConfig struct {
	// Backend is the transport type: "telegram", "local", "s3", "gcs",
	// "azure", or "memory".
	Backend string `yaml:"backend"`

	// RetryAttempts is how many times a transiently failing transport call
	// is tried before giving up.
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryBaseDelayMS is the first retry delay in milliseconds; it doubles
	// per attempt.
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`

	Telegram TelegramConfig `yaml:"telegram"`
	Local    LocalConfig    `yaml:"local"`

	// S3Bucket is the bucket name for the s3 backend.
	S3Bucket string `yaml:"s3_bucket"`
	// S3Region is the AWS region for the s3 backend.
	S3Region string `yaml:"s3_region"`
	// S3Prefix is the optional key prefix for all chunk objects.
	S3Prefix string `yaml:"s3_prefix"`
	// S3Endpoint overrides the S3 endpoint URL, for S3-compatible stores.
	S3Endpoint string `yaml:"s3_endpoint"`
	// GCSBucket is the bucket name for the gcs backend.
	GCSBucket string `yaml:"gcs_bucket"`
	// GCSPrefix is the optional object prefix for the gcs backend.
	GCSPrefix string `yaml:"gcs_prefix"`
	// AzureContainer is the container name for the azure backend.
	AzureContainer string `yaml:"azure_container"`
	// AzureAccount is the storage account name, used to build the account
	// URL https://{account}.blob.core.windows.net when AzureAccountURL is
	// empty.
	AzureAccount string `yaml:"azure_account"`
	// AzureAccountURL is the full Azure storage account URL.
	AzureAccountURL string `yaml:"azure_account_url"`
	// AzurePrefix is the optional blob name prefix for the azure backend.
	AzurePrefix string `yaml:"azure_prefix"`
}

// TelegramConfig holds Bot API settings for the telegram backend.
type TelegramConfig struct {
	// BotToken is the Bot API token. The TELECLOUD_BOT_TOKEN environment
	// variable overrides it.
	BotToken string `yaml:"bot_token"`
	// ChatID is the chat whose message history stores the chunks.
	ChatID int64 `yaml:"chat_id"`
	// BaseURL overrides the Bot API endpoint, for local API servers.
	BaseURL string `yaml:"base_url"`
}

// LocalConfig holds local filesystem transport settings.
type LocalConfig struct {
	// RootDir is the base directory for locally stored chunks.
	RootDir string `yaml:"root_dir"`
}

// EngineConfig holds chunking and pipeline settings.
type EngineConfig struct {
	// MaxChunkSize caps the payload size of a single chunk, in bytes.
	MaxChunkSize int64 `yaml:"max_chunk_size"`
	// UploadConcurrency bounds in-flight chunk sends per upload.
	UploadConcurrency int `yaml:"upload_concurrency"`
	// PrefetchWindow bounds how many chunk fetches a download runs ahead of
	// the streaming point.
	PrefetchWindow int `yaml:"prefetch_window"`
	// ProvisionalMaxAgeHours is how old a PROVISIONAL upload must be before
	// the startup reaper rolls it back.
	ProvisionalMaxAgeHours int `yaml:"provisional_max_age_hours"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level: debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied for unset values. If the primary path
// fails, it falls back to telecloud.example.yaml in the same or parent
// directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "telecloud.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "telecloud.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if tok := os.Getenv("TELECLOUD_BOT_TOKEN"); tok != "" {
		cfg.Transport.Telegram.BotToken = tok
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Manifest: ManifestConfig{
			Path: "./data/manifest.db",
		},
		Transport: TransportConfig{
			Backend:          "local",
			RetryAttempts:    3,
			RetryBaseDelayMS: 500,
			Local: LocalConfig{
				RootDir: "./data/chunks",
			},
		},
		Engine: EngineConfig{
			MaxChunkSize:           19 * 1024 * 1024,
			UploadConcurrency:      4,
			PrefetchWindow:         3,
			ProvisionalMaxAgeHours: 24,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyDefaults fills in any fields still at their zero value after YAML
// unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Manifest.Path == "" {
		cfg.Manifest.Path = "./data/manifest.db"
	}
	if cfg.Transport.Backend == "" {
		cfg.Transport.Backend = "local"
	}
	if cfg.Transport.RetryAttempts == 0 {
		cfg.Transport.RetryAttempts = 3
	}
	if cfg.Transport.RetryBaseDelayMS == 0 {
		cfg.Transport.RetryBaseDelayMS = 500
	}
	if cfg.Transport.Local.RootDir == "" {
		cfg.Transport.Local.RootDir = "./data/chunks"
	}
	if cfg.Engine.MaxChunkSize == 0 {
		cfg.Engine.MaxChunkSize = 19 * 1024 * 1024
	}
	if cfg.Engine.UploadConcurrency == 0 {
		cfg.Engine.UploadConcurrency = 4
	}
	if cfg.Engine.PrefetchWindow == 0 {
		cfg.Engine.PrefetchWindow = 3
	}
	if cfg.Engine.ProvisionalMaxAgeHours == 0 {
		cfg.Engine.ProvisionalMaxAgeHours = 24
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	WorkspaceDir           string        `envconfig:"WORKSPACE_DIR" required:"true"`
	MaxConcurrentDownloads int           `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"3"`
	DownloadParts          int           `envconfig:"DOWNLOAD_PARTS" default:"6"`
	MultipartThreshold     int64         `envconfig:"MULTIPART_THRESHOLD" default:"5000000"`
	BufferSize             int           `envconfig:"BUFFER_SIZE" default:"81920"`
	ProbeTimeout           time.Duration `envconfig:"PROBE_TIMEOUT" default:"10s"`
	RequestTimeout         time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30m"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	KeepPartsFor      time.Duration `envconfig:"KEEP_PARTS_FOR" default:"24h"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"aurora_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the downloader cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxConcurrentDownloads < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be at least 1, got %d", c.MaxConcurrentDownloads))
	}

	if c.DownloadParts < 1 {
		errs = append(errs, fmt.Errorf("DOWNLOAD_PARTS must be at least 1, got %d", c.DownloadParts))
	}

	if c.MultipartThreshold < 0 {
		errs = append(errs, fmt.Errorf("MULTIPART_THRESHOLD must not be negative, got %d", c.MultipartThreshold))
	}

	if c.BufferSize < 1024 {
		errs = append(errs, fmt.Errorf("BUFFER_SIZE must be at least 1024 bytes, got %d", c.BufferSize))
	}

	if (c.API.Username == "") != (c.API.Password == "") {
		errs = append(errs, errors.New("API_USERNAME and API_PASSWORD must be set together"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	XtreamBaseURL  string `envconfig:"XTREAM_BASE_URL" required:"true"`
	XtreamUsername string `envconfig:"XTREAM_USERNAME" required:"true"`
	XtreamPassword string `envconfig:"XTREAM_PASSWORD" required:"true"`

	MediaPath string `envconfig:"MEDIA_PATH" required:"true"`
	DBPath    string `envconfig:"DB_PATH" default:"downloads.db"`

	MaxConcurrentDownloads int           `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"3"`
	DownloadChunks         int           `envconfig:"DOWNLOAD_CHUNKS" default:"16"`
	SpeedLimitBPS          int64         `envconfig:"SPEED_LIMIT_BPS" default:"0"`
	MaxRetries             int           `envconfig:"MAX_RETRIES" default:"2"`
	InactivityTimeout      time.Duration `envconfig:"INACTIVITY_TIMEOUT" default:"30s"`
	ProgressInterval       time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s"`
	HeartbeatInterval      time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"media_downloader"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
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

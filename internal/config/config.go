package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "TRANSFERD"

// Config struct for environment variables.
type Config struct {
	LogLevel      string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath        string `envconfig:"DB_PATH" default:"transferd.db"`
	SaveDir       string `envconfig:"SAVE_DIR" required:"true"`
	MaxConcurrent int    `envconfig:"MAX_CONCURRENT" default:"16"`
	Connections   int    `envconfig:"CONNECTIONS" default:"16"`

	RetryDelay          time.Duration `envconfig:"RETRY_DELAY" default:"5s"`
	MaxTransientRetries int           `envconfig:"MAX_TRANSIENT_RETRIES" default:"10"`

	GraceWindow     time.Duration `envconfig:"GRACE_WINDOW" default:"500ms"`
	TickInterval    time.Duration `envconfig:"TICK_INTERVAL" default:"500ms"`
	ResumeGuard     time.Duration `envconfig:"RESUME_GUARD" default:"3s"`
	PersistInterval time.Duration `envconfig:"PERSIST_INTERVAL" default:"5s"`

	SpeedWindow  int     `envconfig:"SPEED_WINDOW" default:"10"`
	SpeedCeiling float64 `envconfig:"SPEED_CEILING" default:"104857600"`

	Aria2Path  string `envconfig:"ARIA2_PATH"`
	YtDlpPath  string `envconfig:"YTDLP_PATH"`
	FFmpegPath string `envconfig:"FFMPEG_PATH"`

	Media struct {
		Strategy     string   `envconfig:"STRATEGY" default:"direct"`
		Format       string   `envconfig:"FORMAT"`
		Clients      []string `envconfig:"CLIENTS"`
		MaxTrials    int      `envconfig:"MAX_TRIALS" default:"4"`
		MaxRefreshes int      `envconfig:"MAX_REFRESHES" default:"3"`
	}

	Control struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:6412"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"10s"`
		AllowedOrigins  []string      `split_words:"true" default:"chrome-extension://*,moz-extension://*"`
		RateLimit       float64       `split_words:"true" default:"20"`
		RateBurst       int           `split_words:"true" default:"40"`
	}

	Network struct {
		ProbeAddress  string        `split_words:"true" default:"1.1.1.1:53"`
		ProbeInterval time.Duration `split_words:"true" default:"5s"`
		ProbeTimeout  time.Duration `split_words:"true" default:"2s"`
	}

	Telemetry struct {
		Enabled      bool   `default:"true"`
		ServiceName  string `split_words:"true" default:"transferd"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if strings.TrimSpace(cfg.SaveDir) == "" {
		return nil, fmt.Errorf("save directory is not set")
	}

	switch strings.ToLower(cfg.Media.Strategy) {
	case "direct", "pipeline":
		cfg.Media.Strategy = strings.ToLower(cfg.Media.Strategy)
	default:
		return nil, fmt.Errorf("invalid media strategy: %s", cfg.Media.Strategy)
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

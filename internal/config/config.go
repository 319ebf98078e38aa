package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration, read from the environment and an
// optional .env file.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN,required,notEmpty"`
	HTTPAddr     string `env:"HTTP_ADDR" envDefault:":5000"`

	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"console"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"50"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"`

	VoiceConnectTimeout time.Duration `env:"VOICE_CONNECT_TIMEOUT" envDefault:"10s"`
	ResolveTimeout      time.Duration `env:"RESOLVE_TIMEOUT" envDefault:"20s"`
	TaskTimeout         time.Duration `env:"TASK_TIMEOUT" envDefault:"45s"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	HTTPRateLimit float64 `env:"HTTP_RATE_LIMIT" envDefault:"5"`
	HTTPRateBurst int     `env:"HTTP_RATE_BURST" envDefault:"10"`

	ResolverBackend string `env:"RESOLVER_BACKEND" envDefault:"auto"`
	YTDLPPath       string `env:"YTDLP_PATH" envDefault:"yt-dlp"`
	FFmpegPath      string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	YouTubeProxy    string `env:"YOUTUBE_PROXY"`

	SentryDSN   string `env:"SENTRY_DSN"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Resolver backends.
const (
	BackendAuto  = "auto"
	BackendKkdai = "kkdai"
	BackendYTDLP = "ytdlp"
)

// Load reads the .env file if present and parses the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return Parse(env.Options{})
}

// Parse builds a Config with opts, which tests use to inject variables.
func Parse(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.ResolverBackend {
	case BackendAuto, BackendKkdai, BackendYTDLP:
	default:
		return fmt.Errorf("config: RESOLVER_BACKEND %q is not one of auto, kkdai, ytdlp", c.ResolverBackend)
	}
	for name, d := range map[string]time.Duration{
		"VOICE_CONNECT_TIMEOUT": c.VoiceConnectTimeout,
		"RESOLVE_TIMEOUT":       c.ResolveTimeout,
		"TASK_TIMEOUT":          c.TaskTimeout,
		"SHUTDOWN_TIMEOUT":      c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.TaskTimeout < c.VoiceConnectTimeout+c.ResolveTimeout {
		return fmt.Errorf("config: TASK_TIMEOUT %s is shorter than connect plus resolve timeouts", c.TaskTimeout)
	}
	if c.HTTPRateLimit <= 0 || c.HTTPRateBurst <= 0 {
		return fmt.Errorf("config: HTTP_RATE_LIMIT and HTTP_RATE_BURST must be positive")
	}
	return nil
}

package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/prappser/streamer_server/internal/source"
	"github.com/prappser/streamer_server/internal/stream"
	"github.com/spf13/viper"
)

const defaultConfigPath = "files/config.yaml"

type Config struct {
	Server ServerConfig  `mapstructure:"server"`
	Log    LogConfig     `mapstructure:"log"`
	Stream stream.Config `mapstructure:"stream"`
	Source source.Config `mapstructure:"source"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	Concurrency    int           `mapstructure:"concurrency"`
	MaxConnsPerIP  int           `mapstructure:"max_conns_per_ip"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// LoadConfig reads the YAML config at path and applies environment overrides.
// An empty path falls back to files/config.yaml, which may be absent; every
// setting has a default and can be supplied through STREAMER_* variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STREAMER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Variable names used by earlier deployments.
	_ = v.BindEnv("server.port", "STREAMER_SERVER_PORT", "STREAM_PORT")
	_ = v.BindEnv("source.telegram.bot_token", "STREAMER_SOURCE_TELEGRAM_BOT_TOKEN", "PYROGRAM_BOT_TOKEN", "BOT_TOKEN")

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_grace", 15*time.Second)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 2*time.Minute)
	v.SetDefault("server.concurrency", 0)
	v.SetDefault("server.max_conns_per_ip", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("stream.prefetch", 2)
	v.SetDefault("stream.stall_timeout", 30*time.Second)
	v.SetDefault("stream.max_bytes_per_second", 0)

	v.SetDefault("source.type", string(source.TypeTelegram))
	v.SetDefault("source.chunk_size", source.DefaultChunkSize)
	v.SetDefault("source.telegram.bot_token", "")
	v.SetDefault("source.telegram.api_endpoint", "")
	v.SetDefault("source.telegram.file_endpoint", "")
	v.SetDefault("source.telegram.start_attempts", 5)
	v.SetDefault("source.telegram.start_backoff", 2*time.Second)
	v.SetDefault("source.telegram.request_timeout", 30*time.Second)
	v.SetDefault("source.s3.endpoint", "")
	v.SetDefault("source.s3.bucket", "")
	v.SetDefault("source.s3.access_key", "")
	v.SetDefault("source.s3.secret_key", "")
	v.SetDefault("source.s3.region", "")
	v.SetDefault("source.s3.use_ssl", true)
	v.SetDefault("source.local.path", "./media")
}

const maxChunkSize = 64 << 20

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_grace must not be negative"))
	}
	if c.Stream.Prefetch < 1 {
		errs = append(errs, fmt.Errorf("stream.prefetch must be at least 1, got %d", c.Stream.Prefetch))
	}
	if c.Stream.StallTimeout < 0 {
		errs = append(errs, fmt.Errorf("stream.stall_timeout must not be negative"))
	}
	if c.Stream.MaxBytesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("stream.max_bytes_per_second must not be negative"))
	}
	if c.Source.ChunkSize <= 0 || c.Source.ChunkSize > maxChunkSize {
		errs = append(errs, fmt.Errorf("source.chunk_size must be in 1..%d, got %d", maxChunkSize, c.Source.ChunkSize))
	}

	switch c.Source.Type {
	case source.TypeTelegram, "":
		if strings.TrimSpace(c.Source.Telegram.BotToken) == "" {
			errs = append(errs, fmt.Errorf("source.telegram.bot_token is required"))
		}
	case source.TypeS3:
		if c.Source.S3.Endpoint == "" || c.Source.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("source.s3.endpoint and source.s3.bucket are required"))
		}
	case source.TypeLocal:
		if c.Source.Local.Path == "" {
			errs = append(errs, fmt.Errorf("source.local.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.type %q", c.Source.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

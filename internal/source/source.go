package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotStarted  = errors.New("source not started")
	ErrNotFound    = errors.New("media not found")
	ErrInvalidSpan = errors.New("invalid fetch span")
)

// Source pulls byte windows of remote media. It is not random-access: each
// Fetch starts a fresh sequential pull at the given offset.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Fetch returns a lazy sequence of chunks covering at most limit bytes
	// starting at offset. Chunk sizes are implementation defined.
	Fetch(ctx context.Context, mediaID string, offset, limit int64) (ChunkStream, error)
}

// ChunkStream is a single-pass, ordered chunk sequence. Next returns io.EOF
// once the sequence is exhausted. Returned chunks are owned by the caller.
type ChunkStream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

type Type string

const (
	TypeTelegram Type = "telegram"
	TypeS3       Type = "s3"
	TypeLocal    Type = "local"
)

const DefaultChunkSize = 1 << 20

type Config struct {
	Type      Type           `mapstructure:"type"`
	ChunkSize int            `mapstructure:"chunk_size"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
	S3        S3Config       `mapstructure:"s3"`
	Local     LocalConfig    `mapstructure:"local"`
}

type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	APIEndpoint    string        `mapstructure:"api_endpoint"`
	FileEndpoint   string        `mapstructure:"file_endpoint"`
	StartAttempts  uint          `mapstructure:"start_attempts"`
	StartBackoff   time.Duration `mapstructure:"start_backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type LocalConfig struct {
	Path string `mapstructure:"path"`
}

func NewSource(config *Config) (Source, error) {
	chunkSize := config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	switch config.Type {
	case TypeTelegram, "":
		return NewTelegramSource(&config.Telegram, chunkSize)
	case TypeS3:
		return NewS3Source(&config.S3, chunkSize)
	case TypeLocal:
		return NewLocalSource(&config.Local, chunkSize)
	default:
		return nil, fmt.Errorf("unknown source type: %q", config.Type)
	}
}

func checkSpan(mediaID string, offset, limit int64) error {
	if mediaID == "" {
		return fmt.Errorf("%w: empty media id", ErrInvalidSpan)
	}
	if offset < 0 || limit < 0 {
		return fmt.Errorf("%w: offset=%d limit=%d", ErrInvalidSpan, offset, limit)
	}
	return nil
}

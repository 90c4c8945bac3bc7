package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const (
	defaultStartAttempts  = 5
	defaultStartBackoff   = 2 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// TelegramSource pulls files through the Bot API. The media id is a Telegram
// file_id; bytes are fetched from the file endpoint with ranged GETs.
type TelegramSource struct {
	token        string
	apiEndpoint  string
	fileEndpoint string
	attempts     uint
	backoff      time.Duration
	chunkSize    int

	apiClient      *http.Client
	downloadClient *http.Client

	mu  sync.RWMutex
	bot *tgbotapi.BotAPI
}

func NewTelegramSource(config *TelegramConfig, chunkSize int) (*TelegramSource, error) {
	token := strings.TrimSpace(config.BotToken)
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	apiEndpoint := config.APIEndpoint
	if apiEndpoint == "" {
		apiEndpoint = tgbotapi.APIEndpoint
	}
	fileEndpoint := config.FileEndpoint
	if fileEndpoint == "" {
		fileEndpoint = tgbotapi.FileEndpoint
	}
	attempts := config.StartAttempts
	if attempts == 0 {
		attempts = defaultStartAttempts
	}
	backoff := config.StartBackoff
	if backoff <= 0 {
		backoff = defaultStartBackoff
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &TelegramSource{
		token:        token,
		apiEndpoint:  apiEndpoint,
		fileEndpoint: fileEndpoint,
		attempts:     attempts,
		backoff:      backoff,
		chunkSize:    chunkSize,
		apiClient:    &http.Client{Timeout: timeout},
		// Downloads can legitimately run for hours; only the wait for
		// response headers is bounded.
		downloadClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}, nil
}

func (s *TelegramSource) Name() string {
	return string(TypeTelegram)
}

func (s *TelegramSource) Start(ctx context.Context) error {
	_ = tgbotapi.SetLogger(botLogger{})

	var bot *tgbotapi.BotAPI
	err := retry.Do(
		func() error {
			b, err := tgbotapi.NewBotAPIWithClient(s.token, s.apiEndpoint, s.apiClient)
			if err != nil {
				var apiErr *tgbotapi.Error
				if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
					return retry.Unrecoverable(err)
				}
				return stripURL(err)
			}
			bot = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.backoff),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("Telegram session start failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to start telegram session: %w", err)
	}

	s.mu.Lock()
	s.bot = bot
	s.mu.Unlock()

	log.Info().Str("bot", bot.Self.UserName).Msg("Telegram media source started")
	return nil
}

func (s *TelegramSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.bot = nil
	s.mu.Unlock()

	if t, ok := s.downloadClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	log.Info().Msg("Telegram media source stopped")
	return nil
}

func (s *TelegramSource) Fetch(ctx context.Context, mediaID string, offset, limit int64) (ChunkStream, error) {
	s.mu.RLock()
	bot := s.bot
	s.mu.RUnlock()
	if bot == nil {
		return nil, ErrNotStarted
	}
	if err := checkSpan(mediaID, offset, limit); err != nil {
		return nil, err
	}
	if limit == 0 {
		return newReaderStream(io.NopCloser(strings.NewReader("")), 0, s.chunkSize), nil
	}

	file, err := bot.GetFile(tgbotapi.FileConfig{FileID: mediaID})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file %s: %w", mediaID, stripURL(err))
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("%w: %s has no download path", ErrNotFound, mediaID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(s.fileEndpoint, s.token, file.FilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+limit-1))

	resp, err := s.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", stripURL(err))
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Server ignored the Range header; skip to the requested offset.
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to skip to offset %d: %w", offset, err)
		}
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, mediaID)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected download status %d", resp.StatusCode)
	}

	return newReaderStream(resp.Body, limit, s.chunkSize), nil
}

// stripURL drops the request URL from transport errors; Bot API URLs embed
// the token.
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

type botLogger struct{}

func (botLogger) Println(v ...interface{}) {
	log.Debug().Str("component", "tgbotapi").Msg(fmt.Sprint(v...))
}

func (botLogger) Printf(format string, v ...interface{}) {
	log.Debug().Str("component", "tgbotapi").Msg(fmt.Sprintf(format, v...))
}

package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// LocalSource serves media stored as files below a base directory. The media
// id is the path relative to that directory.
type LocalSource struct {
	fs        afero.Fs
	basePath  string
	chunkSize int
	started   atomic.Bool
}

func NewLocalSource(config *LocalConfig, chunkSize int) (*LocalSource, error) {
	return NewLocalSourceFs(afero.NewOsFs(), config, chunkSize)
}

func NewLocalSourceFs(fs afero.Fs, config *LocalConfig, chunkSize int) (*LocalSource, error) {
	basePath := config.Path
	if basePath == "" {
		basePath = "./media"
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &LocalSource{
		fs:        afero.NewBasePathFs(fs, basePath),
		basePath:  basePath,
		chunkSize: chunkSize,
	}, nil
}

func (s *LocalSource) Name() string {
	return string(TypeLocal)
}

func (s *LocalSource) Start(ctx context.Context) error {
	info, err := s.fs.Stat("/")
	if err != nil {
		return fmt.Errorf("failed to open media directory %s: %w", s.basePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media path %s is not a directory", s.basePath)
	}

	s.started.Store(true)
	log.Info().Str("path", s.basePath).Msg("Local media source started")
	return nil
}

func (s *LocalSource) Stop(ctx context.Context) error {
	s.started.Store(false)
	return nil
}

func (s *LocalSource) Fetch(ctx context.Context, mediaID string, offset, limit int64) (ChunkStream, error) {
	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	if err := checkSpan(mediaID, offset, limit); err != nil {
		return nil, err
	}

	name := filepath.Clean("/" + strings.TrimPrefix(mediaID, "/"))
	file, err := s.fs.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, mediaID)
		}
		return nil, err
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek to %d: %w", offset, err)
	}

	return newReaderStream(file, limit, s.chunkSize), nil
}

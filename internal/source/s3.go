package source

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// S3Source serves media stored as objects in a single bucket. The media id is
// the object key.
type S3Source struct {
	client    *minio.Client
	bucket    string
	chunkSize int
	started   atomic.Bool
}

func NewS3Source(config *S3Config, chunkSize int) (*S3Source, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &S3Source{
		client:    client,
		bucket:    config.Bucket,
		chunkSize: chunkSize,
	}, nil
}

func (s *S3Source) Name() string {
	return string(TypeS3)
}

func (s *S3Source) Start(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}

	s.started.Store(true)
	log.Info().Str("bucket", s.bucket).Msg("S3 media source started")
	return nil
}

func (s *S3Source) Stop(ctx context.Context) error {
	s.started.Store(false)
	return nil
}

func (s *S3Source) Fetch(ctx context.Context, mediaID string, offset, limit int64) (ChunkStream, error) {
	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	if err := checkSpan(mediaID, offset, limit); err != nil {
		return nil, err
	}

	opts := minio.GetObjectOptions{}
	if limit > 0 {
		if err := opts.SetRange(offset, offset+limit-1); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpan, err)
		}
	}

	obj, err := s.client.GetObject(ctx, s.bucket, mediaID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", mediaID, err)
	}

	// GetObject is lazy; Stat forces the request so missing keys surface here.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, mediaID)
		}
		return nil, err
	}

	return newReaderStream(obj, limit, s.chunkSize), nil
}

package source

import (
	"context"
	"errors"
	"io"
	"sync"
)

// readerStream cuts a sequential body into fixed-capacity chunks. The last
// chunk may be shorter.
type readerStream struct {
	body      io.ReadCloser
	remaining int64
	chunkSize int

	closeOnce sync.Once
	closeErr  error
}

func newReaderStream(body io.ReadCloser, limit int64, chunkSize int) *readerStream {
	return &readerStream{
		body:      body,
		remaining: limit,
		chunkSize: chunkSize,
	}
}

func (s *readerStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.remaining <= 0 {
		return nil, io.EOF
	}

	size := int64(s.chunkSize)
	if size > s.remaining {
		size = s.remaining
	}

	buf := make([]byte, size)
	n, err := io.ReadFull(s.body, buf)
	s.remaining -= int64(n)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Body ended inside this chunk; hand out what we have and report EOF next.
		s.remaining = 0
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		s.remaining = 0
		return nil, io.EOF
	default:
		return nil, err
	}
}

func (s *readerStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

package stream

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/prappser/streamer_server/internal/source"
)

// fakeSource serves an in-memory blob in fixed-size chunks. Its knobs model
// the ways a remote source misbehaves.
type fakeSource struct {
	data      []byte
	chunkSize int

	// overrun ignores the requested limit and yields up to the end of data.
	overrun bool
	// endAt ends every stream with io.EOF at this absolute offset.
	endAt int64
	// stallAfter blocks Next until cancelled once this many chunks were served.
	stallAfter int
	stall      bool
	failAfter  int
	failErr    error
	fetchErr   error
	panicMsg   string

	fetches atomic.Int32
	nexts   atomic.Int32
	closed  atomic.Int32
}

func newFakeSource(size, chunkSize int) *fakeSource {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return &fakeSource{data: data, chunkSize: chunkSize}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Start(context.Context) error { return nil }

func (f *fakeSource) Stop(context.Context) error { return nil }

func (f *fakeSource) Fetch(ctx context.Context, mediaID string, offset, limit int64) (source.ChunkStream, error) {
	f.fetches.Add(1)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &fakeStream{src: f, pos: offset, end: offset + limit}, nil
}

type fakeStream struct {
	src    *fakeSource
	pos    int64
	end    int64
	served int
}

func (s *fakeStream) Next(ctx context.Context) ([]byte, error) {
	f := s.src
	f.nexts.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.stall && s.served >= f.stallAfter {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.failErr != nil && s.served >= f.failAfter {
		return nil, f.failErr
	}

	end := s.pos + int64(f.chunkSize)
	if !f.overrun && end > s.end {
		end = s.end
	}
	if f.endAt > 0 && end > f.endAt {
		end = f.endAt
	}
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	if s.pos >= end {
		return nil, io.EOF
	}

	chunk := make([]byte, end-s.pos)
	copy(chunk, f.data[s.pos:end])
	s.pos = end
	s.served++
	return chunk, nil
}

func (s *fakeStream) Close() error {
	s.src.closed.Add(1)
	return nil
}

type recordingObserver struct {
	started  atomic.Int32
	outcomes chan string
	rejected chan string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		outcomes: make(chan string, 16),
		rejected: make(chan string, 16),
	}
}

func (o *recordingObserver) StreamStarted() { o.started.Add(1) }

func (o *recordingObserver) StreamFinished(outcome string, _ int64) { o.outcomes <- outcome }

func (o *recordingObserver) RequestRejected(reason string) { o.rejected <- reason }

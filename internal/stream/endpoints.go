package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/prappser/streamer_server/internal/middleware"
	"github.com/prappser/streamer_server/internal/source"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Observer receives stream lifecycle events, typically for metrics.
type Observer interface {
	StreamStarted()
	StreamFinished(outcome string, written int64)
	RequestRejected(reason string)
}

type nopObserver struct{}

func (nopObserver) StreamStarted() {}

func (nopObserver) StreamFinished(string, int64) {}

func (nopObserver) RequestRejected(string) {}

type Endpoints struct {
	source   source.Source
	config   Config
	baseCtx  context.Context
	observer Observer
	active   atomic.Int64
	inflight sync.WaitGroup
}

// NewEndpoints binds the stream handler to a started source. Streams run
// under baseCtx; cancelling it aborts every in-flight stream.
func NewEndpoints(baseCtx context.Context, src source.Source, config Config, observer Observer) *Endpoints {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Endpoints{
		source:   src,
		config:   config,
		baseCtx:  baseCtx,
		observer: observer,
	}
}

func (e *Endpoints) ActiveStreams() int64 {
	return e.active.Load()
}

func (e *Endpoints) SourceName() string {
	return e.source.Name()
}

// Wait blocks until every started stream has released its source pull or
// ctx is done.
func (e *Endpoints) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stream serves GET and HEAD /stream?file_id=&name=&size=&mime=.
func (e *Endpoints) Stream(ctx *fasthttp.RequestCtx) {
	logger := middleware.Logger(ctx)

	args := ctx.QueryArgs()
	params := Params{
		FileID: string(args.Peek("file_id")),
		Name:   string(args.Peek("name")),
		Size:   string(args.Peek("size")),
		Mime:   string(args.Peek("mime")),
	}
	rangeHeader := string(ctx.Request.Header.Peek(fasthttp.HeaderRange))

	req, err := ParseRequest(params, rangeHeader)
	if err != nil {
		e.reject(ctx, logger, err)
		return
	}

	logger = logger.With().
		Str("fileId", req.Media.ID).
		Int64("offset", req.Range.Offset).
		Int64("length", req.Range.Length).
		Int64("size", req.Media.Size).
		Logger()

	if ctx.IsHead() || req.Range.Length == 0 {
		writeHeaders(ctx, req)
		ctx.SetStatusCode(req.Status())
		if ctx.IsHead() {
			ctx.Response.SkipBody = true
		}
		return
	}

	logger.Info().Str("name", req.Media.FileName).Bool("partial", req.Partial).Msg("Streaming request")

	e.active.Add(1)
	e.inflight.Add(1)
	e.observer.StreamStarted()

	pump := NewPump(e.baseCtx, e.source, req, e.config, logger)
	pump.onClose = func(outcome Outcome, written int64) {
		e.active.Add(-1)
		e.observer.StreamFinished(string(outcome), written)
		e.inflight.Done()
	}

	if err := pump.Prime(); err != nil {
		pump.Close()
		status := fasthttp.StatusBadGateway
		if errors.Is(err, ErrInternal) {
			status = fasthttp.StatusInternalServerError
		}
		writeError(ctx, fasthttp.StatusMessage(status), status)
		return
	}

	writeHeaders(ctx, req)
	ctx.SetStatusCode(req.Status())
	// Sized body stream: Content-Length stays fixed and fasthttp closes the
	// pump when the body is written or the write fails.
	ctx.SetBodyStream(pump, int(req.Range.Length))
}

func (e *Endpoints) reject(ctx *fasthttp.RequestCtx, logger zerolog.Logger, err error) {
	var rangeErr *RangeError
	switch {
	case errors.As(err, &rangeErr):
		e.observer.RequestRejected("range")
		logger.Info().Err(err).Msg("Rejected range request")
		writeError(ctx, err.Error(), fasthttp.StatusRequestedRangeNotSatisfiable)
		ctx.Response.Header.Set(fasthttp.HeaderContentRange, unsatisfiedContentRange(rangeErr.Size))
	case errors.Is(err, ErrInvalidRequest):
		e.observer.RequestRejected("invalid")
		logger.Info().Err(err).Msg("Rejected stream request")
		writeError(ctx, err.Error(), fasthttp.StatusBadRequest)
	default:
		e.observer.RequestRejected("internal")
		logger.Error().Err(err).Msg("Failed to resolve stream request")
		writeError(ctx, "Internal Server Error", fasthttp.StatusInternalServerError)
	}
}

func writeHeaders(ctx *fasthttp.RequestCtx, req *Request) {
	for _, h := range req.Headers() {
		switch h.Key {
		case fasthttp.HeaderContentType:
			ctx.SetContentType(h.Value)
		case fasthttp.HeaderContentLength:
			ctx.Response.Header.SetContentLength(int(req.Range.Length))
		default:
			ctx.Response.Header.Set(h.Key, h.Value)
		}
	}
}

// writeError is ctx.Error without the response reset, so headers set by
// middleware survive.
func writeError(ctx *fasthttp.RequestCtx, msg string, status int) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(msg)
}

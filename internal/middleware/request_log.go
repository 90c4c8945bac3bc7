package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const (
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"
)

type RequestLogMiddleware struct {
	skipPaths map[string]bool
}

func NewRequestLogMiddleware(skipPaths ...string) *RequestLogMiddleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &RequestLogMiddleware{skipPaths: skip}
}

// Handle tags the request with an id, stores a request-scoped logger on the
// context and logs the handler result. Streamed bodies are still being
// written when this line is logged; the pump logs their completion.
func (rl *RequestLogMiddleware) Handle(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		requestID := string(ctx.Request.Header.Peek(requestIDHeader))
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		logger := log.With().
			Str("requestId", requestID).
			Str("remote", ctx.RemoteIP().String()).
			Logger()
		ctx.SetUserValue(loggerKey, logger)

		start := time.Now()
		next(ctx)
		// Set after the handler since ctx.Error resets response headers.
		ctx.Response.Header.Set(requestIDHeader, requestID)

		path := string(ctx.Path())
		if rl.skipPaths[path] {
			return
		}
		logger.Info().
			Str("method", string(ctx.Method())).
			Str("path", path).
			Int("status", ctx.Response.StatusCode()).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	}
}

// Logger returns the request-scoped logger, or the global logger when the
// request did not pass through RequestLogMiddleware.
func Logger(ctx *fasthttp.RequestCtx) zerolog.Logger {
	if logger, ok := ctx.UserValue(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return log.Logger
}

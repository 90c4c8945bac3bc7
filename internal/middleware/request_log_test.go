package middleware

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func TestRequestLogMiddleware_ShouldAssignRequestID(t *testing.T) {
	// given
	var sawLogger bool
	handler := NewRequestLogMiddleware().Handle(func(ctx *fasthttp.RequestCtx) {
		_, sawLogger = ctx.UserValue(loggerKey).(zerolog.Logger)
		ctx.Error("Not Found", fasthttp.StatusNotFound)
	})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/missing")

	// when
	handler(ctx)

	// then
	assert.True(t, sawLogger)
	assert.Len(t, string(ctx.Response.Header.Peek(requestIDHeader)), 36)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestRequestLogMiddleware_ShouldKeepCallerRequestID(t *testing.T) {
	// given
	handler := NewRequestLogMiddleware().Handle(func(ctx *fasthttp.RequestCtx) {})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/stream")
	ctx.Request.Header.Set(requestIDHeader, "trace-42")

	// when
	handler(ctx)

	// then
	assert.Equal(t, "trace-42", string(ctx.Response.Header.Peek(requestIDHeader)))
}

func TestLogger_ShouldFallBackToGlobalLogger(t *testing.T) {
	// given
	ctx := &fasthttp.RequestCtx{}

	// when
	logger := Logger(ctx)

	// then
	assert.Equal(t, log.Logger, logger)
}

package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func TestHealth_ShouldReportOK(t *testing.T) {
	// given
	endpoints := NewEndpoints("1.2.3")
	ctx := &fasthttp.RequestCtx{}

	// when
	endpoints.Health(ctx)

	// then
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "application/json", string(ctx.Response.Header.ContentType()))
	assert.JSONEq(t, `{"status":"ok","service":"streamer","version":"1.2.3"}`, string(ctx.Response.Body()))
}

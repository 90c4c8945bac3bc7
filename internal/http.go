package internal

import (
	"github.com/prappser/streamer_server/internal/health"
	"github.com/prappser/streamer_server/internal/metrics"
	"github.com/prappser/streamer_server/internal/middleware"
	"github.com/prappser/streamer_server/internal/status"
	"github.com/prappser/streamer_server/internal/stream"
	"github.com/valyala/fasthttp"
)

func NewRequestHandler(config *Config, healthEndpoints *health.HealthEndpoints, statusEndpoints *status.StatusEndpoints, streamEndpoints *stream.Endpoints, m *metrics.Metrics) fasthttp.RequestHandler {
	corsMiddleware := middleware.NewCORSMiddleware(config.Server.AllowedOrigins)
	requestLogMiddleware := middleware.NewRequestLogMiddleware("/health", "/metrics")

	var metricsHandler fasthttp.RequestHandler = notFound
	if m != nil {
		metricsHandler = m.Handler()
	}

	handler := func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())

		switch path {
		case "/stream":
			if ctx.IsGet() || ctx.IsHead() {
				streamEndpoints.Stream(ctx)
			} else {
				ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
				ctx.Response.Header.Set(fasthttp.HeaderAllow, "GET, HEAD")
			}
		case "/health":
			healthEndpoints.Health(ctx)
		case "/status":
			statusEndpoints.Status(ctx)
		case "/metrics":
			metricsHandler(ctx)
		default:
			notFound(ctx)
		}
	}

	return requestLogMiddleware.Handle(corsMiddleware.Handle(handler))
}

func notFound(ctx *fasthttp.RequestCtx) {
	ctx.Error("Not Found", fasthttp.StatusNotFound)
}

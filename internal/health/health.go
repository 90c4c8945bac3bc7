package health

import (
	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

type HealthEndpoints struct {
	body []byte
}

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// NewEndpoints renders the liveness body once; it never changes afterwards.
func NewEndpoints(version string) *HealthEndpoints {
	body, err := json.Marshal(HealthResponse{
		Status:  "ok",
		Service: "streamer",
		Version: version,
	})
	if err != nil {
		body = []byte(`{"status":"ok"}`)
	}
	return &HealthEndpoints{body: body}
}

func (h *HealthEndpoints) Health(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(h.body)
}

package status

import (
	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

type streamStats interface {
	ActiveStreams() int64
	SourceName() string
}

type StatusEndpoints struct {
	version string
	stats   streamStats
}

func NewEndpoints(version string, stats streamStats) *StatusEndpoints {
	return &StatusEndpoints{
		version: version,
		stats:   stats,
	}
}

type StatusResponse struct {
	Health        string `json:"health"`
	Version       string `json:"version"`
	Source        string `json:"source"`
	ActiveStreams int64  `json:"activeStreams"`
}

func (se *StatusEndpoints) Status(ctx *fasthttp.RequestCtx) {
	response := StatusResponse{
		Health:        "OK",
		Version:       se.version,
		Source:        se.stats.SourceName(),
		ActiveStreams: se.stats.ActiveStreams(),
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(responseJSON)
}

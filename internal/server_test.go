package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prappser/streamer_server/internal/source"
	"github.com/prappser/streamer_server/internal/status"
	"github.com/prappser/streamer_server/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// lifecycleSource records the order of lifecycle calls made against it.
type lifecycleSource struct {
	data     []byte
	startErr error
	// hang serves a first chunk and then blocks until the pull is cancelled.
	hang bool

	mu     sync.Mutex
	events []string
}

func newLifecycleSource(size int) *lifecycleSource {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return &lifecycleSource{data: data}
}

func (s *lifecycleSource) record(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *lifecycleSource) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *lifecycleSource) Name() string { return "lifecycle" }

func (s *lifecycleSource) Start(context.Context) error {
	s.record("start")
	return s.startErr
}

func (s *lifecycleSource) Stop(context.Context) error {
	s.record("stop")
	return nil
}

func (s *lifecycleSource) Fetch(ctx context.Context, mediaID string, offset, limit int64) (source.ChunkStream, error) {
	s.record("fetch")
	return &lifecycleStream{src: s, window: s.data[offset : offset+limit]}, nil
}

type lifecycleStream struct {
	src    *lifecycleSource
	window []byte
	served bool
}

func (l *lifecycleStream) Next(ctx context.Context) ([]byte, error) {
	if l.served {
		if l.src.hang {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, io.EOF
	}
	l.served = true
	if l.src.hang {
		return l.window[:10], nil
	}
	return l.window, nil
}

func (l *lifecycleStream) Close() error {
	l.src.record("release")
	return nil
}

func testConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8081,
			AllowedOrigins: []string{"*"},
			ShutdownGrace:  time.Second,
			ReadTimeout:    5 * time.Second,
			IdleTimeout:    time.Minute,
		},
		Stream: stream.Config{Prefetch: 2, StallTimeout: 5 * time.Second},
	}
}

type runningServer struct {
	server *Server
	ln     *fasthttputil.InmemoryListener
	client *fasthttp.Client
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, config *Config, src source.Source) *runningServer {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	ctx, cancel := context.WithCancel(context.Background())
	rs := &runningServer{
		server: NewServer(config, src, "test"),
		ln:     ln,
		client: &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }},
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { rs.done <- rs.server.Serve(ctx, ln) }()
	t.Cleanup(cancel)
	return rs
}

func (rs *runningServer) do(t *testing.T, method, uri string, headers map[string]string) *fasthttp.Response {
	t.Helper()
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(method)
	req.SetRequestURI("http://streamer" + uri)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := &fasthttp.Response{}
	require.NoError(t, rs.client.DoTimeout(req, resp, 5*time.Second))
	return resp
}

func (rs *runningServer) stop(t *testing.T) {
	t.Helper()
	rs.cancel()
	select {
	case err := <-rs.done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_ShouldServeRoutes(t *testing.T) {
	// given
	src := newLifecycleSource(1000)
	rs := startServer(t, testConfig(), src)

	// when
	health := rs.do(t, "GET", "/health", nil)
	partial := rs.do(t, "GET", "/stream?file_id=a&name=a.mp4&size=1000", map[string]string{"Range": "bytes=200-499"})
	notFound := rs.do(t, "GET", "/nope", nil)
	wrongMethod := rs.do(t, "POST", "/stream?file_id=a&name=a.mp4&size=1000", nil)
	preflight := rs.do(t, "OPTIONS", "/stream", map[string]string{"Origin": "https://player.example"})

	// then
	assert.Equal(t, fasthttp.StatusOK, health.StatusCode())
	assert.JSONEq(t, `{"status":"ok","service":"streamer","version":"test"}`, string(health.Body()))

	assert.Equal(t, fasthttp.StatusPartialContent, partial.StatusCode())
	assert.Equal(t, "bytes 200-499/1000", string(partial.Header.Peek("Content-Range")))
	assert.Equal(t, src.data[200:500], partial.Body())
	assert.NotEmpty(t, partial.Header.Peek("X-Request-ID"))

	assert.Equal(t, fasthttp.StatusNotFound, notFound.StatusCode())
	assert.NotEmpty(t, notFound.Header.Peek("X-Request-ID"))

	assert.Equal(t, fasthttp.StatusMethodNotAllowed, wrongMethod.StatusCode())
	assert.Equal(t, "GET, HEAD", string(wrongMethod.Header.Peek("Allow")))

	assert.Equal(t, fasthttp.StatusNoContent, preflight.StatusCode())
	assert.Equal(t, "*", string(preflight.Header.Peek("Access-Control-Allow-Origin")))
	assert.Contains(t, string(preflight.Header.Peek("Access-Control-Allow-Headers")), "Range")

	rs.stop(t)
}

func TestServer_ShouldExposeStatusAndMetrics(t *testing.T) {
	// given
	src := newLifecycleSource(1000)
	rs := startServer(t, testConfig(), src)
	rs.do(t, "GET", "/stream?file_id=a&name=a.mp4&size=1000", nil)
	rs.do(t, "GET", "/stream?file_id=a&name=a.mp4&size=1000", map[string]string{"Range": "bytes=5000-"})
	require.Eventually(t, func() bool { return rs.server.ActiveStreams() == 0 }, time.Second, 5*time.Millisecond)

	// when
	statusResp := rs.do(t, "GET", "/status", nil)
	metricsResp := rs.do(t, "GET", "/metrics", nil)

	// then
	var body status.StatusResponse
	require.NoError(t, json.Unmarshal(statusResp.Body(), &body))
	assert.Equal(t, status.StatusResponse{Health: "OK", Version: "test", Source: "lifecycle", ActiveStreams: 0}, body)

	metricsBody := string(metricsResp.Body())
	assert.Contains(t, metricsBody, `streamer_streams_total{outcome="completed"} 1`)
	assert.Contains(t, metricsBody, `streamer_requests_rejected_total{reason="range"} 1`)
	assert.Contains(t, metricsBody, "streamer_streamed_bytes_total 1000")

	rs.stop(t)
}

func TestServer_ShouldStartSourceBeforeServing_AndStopItLast(t *testing.T) {
	// given
	src := newLifecycleSource(1000)
	rs := startServer(t, testConfig(), src)

	// when
	resp := rs.do(t, "GET", "/stream?file_id=a&name=a.mp4&size=1000", nil)
	require.Eventually(t, func() bool { return rs.server.ActiveStreams() == 0 }, time.Second, 5*time.Millisecond)
	rs.stop(t)

	// then
	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, []string{"start", "fetch", "release", "stop"}, src.Events())
}

func TestServer_ShouldCancelInFlightStreams_WhenGraceExpires(t *testing.T) {
	// given
	src := newLifecycleSource(100000)
	src.hang = true
	config := testConfig()
	config.Server.ShutdownGrace = 50 * time.Millisecond
	config.Stream.StallTimeout = 0
	rs := startServer(t, config, src)

	conn, err := rs.ln.Dial()
	require.NoError(t, err)
	defer conn.Close()
	_, err = fmt.Fprint(conn, "GET /stream?file_id=a&name=a.bin&size=100000 HTTP/1.1\r\nHost: streamer\r\n\r\n")
	require.NoError(t, err)
	go io.Copy(io.Discard, conn)
	require.Eventually(t, func() bool { return rs.server.ActiveStreams() == 1 }, time.Second, 5*time.Millisecond)

	// when
	rs.stop(t)

	// then
	assert.Equal(t, int64(0), rs.server.ActiveStreams())
	assert.Equal(t, []string{"start", "fetch", "release", "stop"}, src.Events())
}

func TestServer_ShouldFail_WhenSourceCannotStart(t *testing.T) {
	// given
	src := newLifecycleSource(10)
	src.startErr = errors.New("AUTH_KEY_UNREGISTERED")
	rs := startServer(t, testConfig(), src)

	// when
	var err error
	select {
	case err = <-rs.done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not return")
	}

	// then
	assert.ErrorContains(t, err, "AUTH_KEY_UNREGISTERED")
	assert.Equal(t, []string{"start"}, src.Events())
}

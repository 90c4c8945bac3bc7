package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prappser/streamer_server/internal/health"
	"github.com/prappser/streamer_server/internal/metrics"
	"github.com/prappser/streamer_server/internal/source"
	"github.com/prappser/streamer_server/internal/status"
	"github.com/prappser/streamer_server/internal/stream"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const (
	drainTimeout      = 10 * time.Second
	sourceStopTimeout = 10 * time.Second
)

// Server owns the HTTP listener, the media source and every in-flight stream.
type Server struct {
	config  *Config
	source  source.Source
	metrics *metrics.Metrics
	streams *stream.Endpoints
	http    *fasthttp.Server

	cancelStreams context.CancelFunc
}

func NewServer(config *Config, src source.Source, version string) *Server {
	// Streams outlive the shutdown signal until the grace period expires.
	streamCtx, cancelStreams := context.WithCancel(context.Background())

	m := metrics.New()
	streamEndpoints := stream.NewEndpoints(streamCtx, src, config.Stream, m)
	healthEndpoints := health.NewEndpoints(version)
	statusEndpoints := status.NewEndpoints(version, streamEndpoints)

	httpServer := &fasthttp.Server{
		Handler:     NewRequestHandler(config, healthEndpoints, statusEndpoints, streamEndpoints, m),
		Name:        "streamer",
		ReadTimeout: config.Server.ReadTimeout,
		// Streams are long lived; stalls are bounded by the pump instead.
		WriteTimeout:    0,
		IdleTimeout:     config.Server.IdleTimeout,
		Concurrency:     config.Server.Concurrency,
		MaxConnsPerIP:   config.Server.MaxConnsPerIP,
		CloseOnShutdown: true,
		Logger:          serverLogger{},
	}

	return &Server{
		config:        config,
		source:        src,
		metrics:       m,
		streams:       streamEndpoints,
		http:          httpServer,
		cancelStreams: cancelStreams,
	}
}

func (s *Server) ActiveStreams() int64 {
	return s.streams.ActiveStreams()
}

func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	address := s.config.Server.Address()
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the source, then accepts connections on ln until ctx is done.
// Shutdown stops accepting, lets streams drain for the grace period, cancels
// the rest and finally stops the source.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.cancelStreams()

	if err := s.source.Start(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start %s source: %w", s.source.Name(), err)
	}
	defer s.stopSource()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.http.Serve(ln)
	}()

	log.Info().
		Str("address", ln.Addr().String()).
		Str("source", s.source.Name()).
		Msg("Streamer service running")

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().
		Int64("activeStreams", s.ActiveStreams()).
		Dur("grace", s.config.Server.ShutdownGrace).
		Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownGrace)
	defer cancel()
	if err := s.http.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn().
			Int64("activeStreams", s.ActiveStreams()).
			Msg("Grace period expired, cancelling in-flight streams")
	}
	s.cancelStreams()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := s.streams.Wait(drainCtx); err != nil {
		log.Warn().
			Int64("activeStreams", s.ActiveStreams()).
			Msg("Streams did not release the source in time")
	}

	if err := <-serveErr; err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn().Err(err).Msg("Listener stopped with error")
	}
	log.Info().Msg("Server stopped")
	return nil
}

func (s *Server) stopSource() {
	ctx, cancel := context.WithTimeout(context.Background(), sourceStopTimeout)
	defer cancel()
	if err := s.source.Stop(ctx); err != nil {
		log.Error().Err(err).Str("source", s.source.Name()).Msg("Failed to stop source")
		return
	}
	log.Info().Str("source", s.source.Name()).Msg("Source stopped")
}

type serverLogger struct{}

func (serverLogger) Printf(format string, args ...interface{}) {
	log.Warn().Str("component", "fasthttp").Msgf(format, args...)
}

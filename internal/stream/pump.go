package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prappser/streamer_server/internal/source"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/time/rate"
)

const (
	defaultPrefetch = 2
	maxRateBurst    = 1 << 20
	// releaseTimeout bounds how long Close waits for a source that ignores
	// cancellation.
	releaseTimeout = 5 * time.Second
)

type Config struct {
	Prefetch          int           `mapstructure:"prefetch"`
	StallTimeout      time.Duration `mapstructure:"stall_timeout"`
	MaxBytesPerSecond int64         `mapstructure:"max_bytes_per_second"`
}

type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeClientGone     Outcome = "client_gone"
	OutcomeUpstreamFailed Outcome = "upstream_failed"
	OutcomeCancelled      Outcome = "cancelled"
)

type chunkResult struct {
	data []byte
	err  error
}

// Pump moves one resolved byte window from a Source to the client. A producer
// goroutine pulls chunks into a small buffered channel; the transport drains
// it through Read. The producer never yields more than the window length and
// stops pulling as soon as the window is covered or the pump is closed.
type Pump struct {
	req     *Request
	config  Config
	logger  zerolog.Logger
	limiter *rate.Limiter

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	chunks chan chunkResult
	done   chan struct{}

	pending   []byte
	remaining int64
	written   int64
	readErr   error

	closeOnce sync.Once
	onClose   func(outcome Outcome, written int64)
}

func NewPump(parent context.Context, src source.Source, req *Request, config Config, logger zerolog.Logger) *Pump {
	prefetch := config.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	ctx, cancel := context.WithCancel(parent)
	p := &Pump{
		req:       req,
		config:    config,
		logger:    logger,
		parent:    parent,
		ctx:       ctx,
		cancel:    cancel,
		chunks:    make(chan chunkResult, prefetch),
		done:      make(chan struct{}),
		remaining: req.Range.Length,
	}

	if config.MaxBytesPerSecond > 0 {
		burst := config.MaxBytesPerSecond
		if burst > maxRateBurst {
			burst = maxRateBurst
		}
		p.limiter = rate.NewLimiter(rate.Limit(config.MaxBytesPerSecond), int(burst))
	}

	go p.produce(src)
	return p
}

func (p *Pump) produce(src source.Source) {
	defer close(p.done)
	defer close(p.chunks)

	var pc panics.Catcher
	pc.Try(func() { p.pull(src) })
	if r := pc.Recovered(); r != nil {
		p.send(chunkResult{err: fmt.Errorf("%w: %w", ErrInternal, r.AsError())})
	}
}

func (p *Pump) pull(src source.Source) {
	length := p.req.Range.Length
	stream, err := src.Fetch(p.ctx, p.req.Media.ID, p.req.Range.Offset, length)
	if err != nil {
		if p.ctx.Err() == nil {
			p.send(chunkResult{err: fmt.Errorf("%w: %w", ErrUpstream, err)})
		}
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			p.logger.Debug().Err(err).Msg("Failed to close source stream")
		}
	}()

	var produced int64
	for produced < length {
		chunk, err := stream.Next(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				p.send(chunkResult{err: fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, produced, length)})
				return
			}
			p.send(chunkResult{err: fmt.Errorf("%w: %w", ErrUpstream, err)})
			return
		}
		if len(chunk) == 0 {
			continue
		}

		// The source is not trusted to respect the limit.
		if over := produced + int64(len(chunk)) - length; over > 0 {
			chunk = chunk[:int64(len(chunk))-over]
		}
		produced += int64(len(chunk))

		if !p.send(chunkResult{data: chunk}) {
			return
		}
	}
}

func (p *Pump) send(res chunkResult) bool {
	select {
	case p.chunks <- res:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Pump) next() ([]byte, error) {
	var stall <-chan time.Time
	if p.config.StallTimeout > 0 {
		timer := time.NewTimer(p.config.StallTimeout)
		defer timer.Stop()
		stall = timer.C
	}

	select {
	case res, ok := <-p.chunks:
		if !ok {
			if err := p.ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %d bytes missing", ErrShortRead, p.remaining)
		}
		return res.data, res.err
	case <-stall:
		return nil, fmt.Errorf("%w: no data for %s", ErrStalled, p.config.StallTimeout)
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}

func (p *Pump) fill() error {
	chunk, err := p.next()
	if err != nil {
		p.readErr = err
		return err
	}
	p.pending = chunk
	return nil
}

// Prime waits for the first chunk so failures before any byte is committed
// can still be reported with a status code.
func (p *Pump) Prime() error {
	if p.readErr != nil {
		return p.readErr
	}
	if p.remaining == 0 || len(p.pending) > 0 {
		return nil
	}
	return p.fill()
}

func (p *Pump) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.remaining == 0 {
		return 0, io.EOF
	}
	if len(b) == 0 {
		return 0, nil
	}
	if len(p.pending) == 0 {
		if err := p.fill(); err != nil {
			return 0, err
		}
	}

	n := len(b)
	if n > len(p.pending) {
		n = len(p.pending)
	}
	if p.limiter != nil {
		if burst := p.limiter.Burst(); n > burst {
			n = burst
		}
		if err := p.limiter.WaitN(p.ctx, n); err != nil {
			p.readErr = err
			return 0, err
		}
	}

	copy(b, p.pending[:n])
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.pending = nil
	}
	p.remaining -= int64(n)
	p.written += int64(n)
	return n, nil
}

func (p *Pump) Written() int64 {
	return p.written
}

func (p *Pump) Close() error {
	return p.CloseWithError(nil)
}

// CloseWithError is called by the transport once the body has been written
// or the write failed. It cancels any in-flight pull and waits for the
// producer to release the source.
func (p *Pump) CloseWithError(writeErr error) error {
	p.closeOnce.Do(func() {
		p.cancel()
		select {
		case <-p.done:
		case <-time.After(releaseTimeout):
			p.logger.Warn().Msg("Source did not release stream after cancellation")
		}
		p.pending = nil

		outcome := p.outcome()
		p.report(outcome, writeErr)
		if p.onClose != nil {
			p.onClose(outcome, p.written)
		}
	})
	return nil
}

func (p *Pump) outcome() Outcome {
	switch {
	case p.remaining == 0:
		return OutcomeCompleted
	case p.readErr != nil && (errors.Is(p.readErr, ErrUpstream) || errors.Is(p.readErr, ErrInternal)):
		return OutcomeUpstreamFailed
	case p.parent.Err() != nil:
		return OutcomeCancelled
	default:
		return OutcomeClientGone
	}
}

func (p *Pump) report(outcome Outcome, writeErr error) {
	switch outcome {
	case OutcomeCompleted:
		p.logger.Info().Int64("written", p.written).Msg("Stream completed")
	case OutcomeClientGone:
		event := p.logger.Info().Int64("written", p.written).Int64("remaining", p.remaining)
		if writeErr != nil {
			event = event.AnErr("writeErr", writeErr)
		}
		event.Msg("Client disconnected")
	case OutcomeCancelled:
		p.logger.Info().Int64("written", p.written).Msg("Stream cancelled by shutdown")
	case OutcomeUpstreamFailed:
		if p.written == 0 {
			p.logger.Error().Err(p.readErr).Msg("Source failed before first byte")
			return
		}
		p.logger.Warn().
			Err(p.readErr).
			Int64("written", p.written).
			Int64("remaining", p.remaining).
			Msg("Source failed mid-stream, closing connection")
	}
}

// Package transfer delivers the bytes of a track to the local player. The
// Engine walks an ordered candidate list with a per-attempt deadline for the
// first byte; the Runner makes sure at most one transfer is live per consumer.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/resolver"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

// ChunkSize is the read granularity used by every fetcher.
const ChunkSize = 64 * 1024

var errEmptyStream = errors.New("source returned no data")

// Fetcher opens a byte stream for one candidate. Implementations must honor
// ctx: cancelling it aborts in-flight network I/O.
type Fetcher interface {
	Fetch(ctx context.Context, state track.PlaybackState, c resolver.Candidate) (io.ReadCloser, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, state track.PlaybackState, c resolver.Candidate) (io.ReadCloser, error)

func (f FetcherFunc) Fetch(ctx context.Context, state track.PlaybackState, c resolver.Candidate) (io.ReadCloser, error) {
	return f(ctx, state, c)
}

type EngineOptions struct {
	// Fetchers keyed by resolver.Candidate.Key().
	Fetchers map[string]Fetcher

	// Timeout bounds each attempt until its first byte arrives.
	Timeout time.Duration

	// Timeouts overrides Timeout per candidate key.
	Timeouts map[string]time.Duration
}

type Engine struct {
	fetchers map[string]Fetcher
	timeout  time.Duration
	timeouts map[string]time.Duration
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Engine{
		fetchers: opts.Fetchers,
		timeout:  opts.Timeout,
		timeouts: opts.Timeouts,
	}
}

func (e *Engine) timeoutFor(c resolver.Candidate) time.Duration {
	if d, ok := e.timeouts[c.Key()]; ok && d > 0 {
		return d
	}
	return e.timeout
}

// Stream is a live transfer. Reads return bytes as they arrive.
type Stream struct {
	Candidate resolver.Candidate

	// Attempts lists the candidates that failed before this one.
	Attempts []syncerr.Attempt

	first  []byte
	body   io.ReadCloser
	cancel context.CancelFunc
}

func (s *Stream) Read(p []byte) (int, error) {
	if len(s.first) > 0 {
		n := copy(p, s.first)
		s.first = s.first[n:]
		return n, nil
	}
	return s.body.Read(p)
}

// Close aborts the transfer and releases the connection.
func (s *Stream) Close() error {
	s.cancel()
	return s.body.Close()
}

// Transfer tries candidates strictly in order. It returns the first stream
// that produced data, or a *syncerr.TransferError listing every failure.
// Cancelling ctx returns ctx.Err() instead.
func (e *Engine) Transfer(ctx context.Context, state track.PlaybackState, cands []resolver.Candidate) (*Stream, error) {
	var attempts []syncerr.Attempt
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		s, err := e.attempt(ctx, state, c)
		if err == nil {
			s.Attempts = attempts
			logger.Info("transfer: streaming",
				logger.String("track", state.Track.Identity()),
				logger.String("candidate", c.String()),
				logger.Duration("after", time.Since(start)))
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("transfer: candidate failed",
			logger.String("track", state.Track.Identity()),
			logger.String("candidate", c.String()),
			logger.Err(err))
		attempts = append(attempts, syncerr.Attempt{Candidate: c.String(), Err: err, Elapsed: time.Since(start)})
	}
	return nil, &syncerr.TransferError{Track: state.Track.Identity(), Attempts: attempts}
}

type firstRead struct {
	body  io.ReadCloser
	first []byte
	err   error
}

func (e *Engine) attempt(ctx context.Context, state track.PlaybackState, c resolver.Candidate) (*Stream, error) {
	f, ok := e.fetchers[c.Key()]
	if !ok || f == nil {
		return nil, fmt.Errorf("no fetcher for %s", c)
	}

	actx, cancel := context.WithCancel(ctx)
	ch := make(chan firstRead, 1)
	go func() {
		body, err := f.Fetch(actx, state, c)
		if err != nil {
			ch <- firstRead{err: err}
			return
		}
		buf := make([]byte, ChunkSize)
		n, err := io.ReadAtLeast(body, buf, 1)
		if n == 0 {
			body.Close()
			if err == nil || errors.Is(err, io.EOF) {
				err = errEmptyStream
			}
			ch <- firstRead{err: err}
			return
		}
		ch <- firstRead{body: body, first: buf[:n]}
	}()

	timeout := e.timeoutFor(c)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			cancel()
			return nil, r.err
		}
		return &Stream{Candidate: c, first: r.first, body: r.body, cancel: cancel}, nil
	case <-timer.C:
		cancel()
		go discard(ch)
		return nil, fmt.Errorf("no data within %s: %w", timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		cancel()
		go discard(ch)
		return nil, ctx.Err()
	}
}

// discard closes a body that arrived after its attempt was abandoned.
func discard(ch <-chan firstRead) {
	if r := <-ch; r.body != nil {
		r.body.Close()
	}
}

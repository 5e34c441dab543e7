package transfer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/resolver"
	"github.com/petervdpas/tandem/internal/track"
)

type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventProgress
	EventCompleted
	EventFailed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Event reports transfer progress to the UI.
type Event struct {
	Kind      EventKind
	State     track.PlaybackState
	Candidate resolver.Candidate
	Bytes     int64
	Err       error
}

// Consumer receives the byte stream, typically the audio player. Consume
// must return promptly once ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, state track.PlaybackState, src *Stream) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, state track.PlaybackState, src *Stream) error

func (f ConsumerFunc) Consume(ctx context.Context, state track.PlaybackState, src *Stream) error {
	return f(ctx, state, src)
}

// ResolveFunc produces the candidate list for a state.
type ResolveFunc func(track.PlaybackState) ([]resolver.Candidate, error)

type RunnerOptions struct {
	Engine   *Engine
	Resolve  ResolveFunc
	Consumer Consumer

	// ProgressEvery is the byte interval between progress events.
	ProgressEvery int64

	// SameStateTolerance decides when a new state is the one that already failed.
	SameStateTolerance time.Duration
}

// Runner owns the single live transfer for one consumer.
type Runner struct {
	engine   *Engine
	resolve  ResolveFunc
	consumer Consumer
	every    int64
	same     time.Duration

	base   context.Context
	events chan Event

	mu      sync.Mutex // held across cancel-and-wait; the job goroutine never takes it
	cancel  context.CancelFunc
	done    chan struct{}
	current *track.PlaybackState

	failMu     sync.Mutex
	lastFailed *track.PlaybackState
}

func NewRunner(ctx context.Context, opts RunnerOptions) *Runner {
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 256 * 1024
	}
	if opts.SameStateTolerance <= 0 {
		opts.SameStateTolerance = 2 * time.Second
	}
	return &Runner{
		engine:   opts.Engine,
		resolve:  opts.Resolve,
		consumer: opts.Consumer,
		every:    opts.ProgressEvery,
		same:     opts.SameStateTolerance,
		base:     ctx,
		events:   make(chan Event, 64),
	}
}

// Events delivers progress and outcome notifications. Slow readers miss events.
func (r *Runner) Events() <-chan Event { return r.events }

func (r *Runner) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}

// Apply cancels the in-flight transfer, waits until it has fully stopped,
// then starts one for state. It returns false when state is the one whose
// transfer already failed.
func (r *Runner) Apply(state track.PlaybackState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failMu.Lock()
	failed := r.lastFailed != nil && r.lastFailed.Equivalent(state, r.same)
	r.failMu.Unlock()
	if failed {
		logger.Debug("transfer: not retrying failed state", logger.String("track", state.Track.Identity()))
		return false
	}

	r.stopLocked()

	ctx, cancel := context.WithCancel(r.base)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	st := state
	r.current = &st

	go r.run(ctx, state, done)
	return true
}

// Stop cancels the in-flight transfer, if any, and waits for it.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

// Current returns the state being transferred or played, if any.
func (r *Runner) Current() (track.PlaybackState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return track.PlaybackState{}, false
	}
	return *r.current, true
}

// Wait blocks until the current transfer finishes.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *Runner) stopLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.current = nil
}

func (r *Runner) run(ctx context.Context, state track.PlaybackState, done chan struct{}) {
	defer close(done)

	cands, err := r.resolve(state)
	if err != nil {
		r.fail(state, resolver.Candidate{}, err)
		return
	}

	stream, err := r.engine.Transfer(ctx, state, cands)
	if err != nil {
		if ctx.Err() != nil {
			r.emit(Event{Kind: EventCancelled, State: state})
			return
		}
		r.fail(state, resolver.Candidate{}, err)
		return
	}
	defer stream.Close()

	r.emit(Event{Kind: EventStarted, State: state, Candidate: stream.Candidate})

	cs := &countingStream{Stream: stream, every: r.every, onProgress: func(n int64) {
		r.emit(Event{Kind: EventProgress, State: state, Candidate: stream.Candidate, Bytes: n})
	}}
	err = r.consumer.Consume(ctx, state, cs.wrap())
	switch {
	case ctx.Err() != nil:
		r.emit(Event{Kind: EventCancelled, State: state, Candidate: stream.Candidate, Bytes: cs.n})
	case err != nil && !errors.Is(err, io.EOF):
		r.fail(state, stream.Candidate, err)
	default:
		r.emit(Event{Kind: EventCompleted, State: state, Candidate: stream.Candidate, Bytes: cs.n})
	}
}

func (r *Runner) fail(state track.PlaybackState, c resolver.Candidate, err error) {
	logger.Warn("transfer: failed", logger.String("track", state.Track.Identity()), logger.Err(err))
	r.failMu.Lock()
	st := state
	r.lastFailed = &st
	r.failMu.Unlock()
	r.emit(Event{Kind: EventFailed, State: state, Candidate: c, Err: err})
}

// countingStream reports bytes read from a Stream.
type countingStream struct {
	*Stream
	every      int64
	n          int64
	next       int64
	onProgress func(int64)
}

// wrap returns a Stream whose reads go through the counter.
func (c *countingStream) wrap() *Stream {
	c.next = c.every
	return &Stream{
		Candidate: c.Stream.Candidate,
		Attempts:  c.Stream.Attempts,
		body:      readCloser{Reader: readerFunc(c.read), Closer: c.Stream},
		cancel:    c.Stream.cancel,
	}
}

func (c *countingStream) read(p []byte) (int, error) {
	n, err := c.Stream.Read(p)
	c.n += int64(n)
	if c.n >= c.next {
		c.onProgress(c.n)
		c.next = c.n + c.every
	}
	return n, err
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

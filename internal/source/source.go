// Package source defines the uniform polling contract over the places a
// host's playback can be observed from.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

// Adapter reports what one origin is playing right now. Poll never fails:
// a broken backend is reported as absent and its reason is logged.
type Adapter interface {
	Name() string
	Origin() track.Origin
	Poll(ctx context.Context) (track.PlaybackState, bool)
}

// Backend is the fallible side of an adapter. Wrap turns it into an Adapter.
type Backend interface {
	Name() string
	Origin() track.Origin
	Fetch(ctx context.Context) (track.PlaybackState, bool, error)
}

// Nudger is implemented by adapters whose remote calls are throttled and
// can be told that the host changed tracks.
type Nudger interface {
	Nudge()
}

// Guarded bounds each Fetch by a timeout and absorbs its failures.
type Guarded struct {
	b       Backend
	timeout time.Duration

	mu          sync.Mutex
	unavailable bool
	lastErr     error
}

// Wrap guards b. A zero timeout means no per-poll deadline beyond ctx.
func Wrap(b Backend, timeout time.Duration) *Guarded {
	return &Guarded{b: b, timeout: timeout}
}

func (g *Guarded) Name() string         { return g.b.Name() }
func (g *Guarded) Origin() track.Origin { return g.b.Origin() }

func (g *Guarded) Poll(ctx context.Context) (track.PlaybackState, bool) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	st, ok, err := g.b.Fetch(ctx)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		if !errors.Is(err, syncerr.ErrAdapterUnavailable) {
			err = fmt.Errorf("%w: %w", syncerr.ErrAdapterUnavailable, err)
		}
		if !g.unavailable {
			logger.Warn("source: adapter unavailable", logger.String("adapter", g.b.Name()), logger.Err(err))
		}
		g.unavailable = true
		g.lastErr = err
		return track.PlaybackState{}, false
	}
	if g.unavailable {
		logger.Info("source: adapter recovered", logger.String("adapter", g.b.Name()))
		g.unavailable = false
		g.lastErr = nil
	}
	if !ok {
		return track.PlaybackState{}, false
	}
	if st.Origin == track.OriginUnknown {
		st.Origin = g.b.Origin()
	}
	return st.Normalize(), true
}

// Nudge forwards to the backend when it supports it.
func (g *Guarded) Nudge() {
	if n, ok := g.b.(Nudger); ok {
		n.Nudge()
	}
}

// Available reports the outcome of the most recent Fetch.
func (g *Guarded) Available() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.unavailable, g.lastErr
}

// Func adapts a plain function into a Backend. Useful for fakes and for
// sources that need no state.
type Func struct {
	ID   string
	Kind track.Origin
	F    func(ctx context.Context) (track.PlaybackState, bool, error)
}

func (f Func) Name() string         { return f.ID }
func (f Func) Origin() track.Origin { return f.Kind }

func (f Func) Fetch(ctx context.Context) (track.PlaybackState, bool, error) {
	return f.F(ctx)
}

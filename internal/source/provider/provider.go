// Package provider turns streaming-service "currently playing" APIs into
// source backends with rate-limited polling.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/track"
)

// NowPlaying is a provider client that can report the user's current track.
type NowPlaying interface {
	NowPlaying(ctx context.Context) (track.PlaybackState, bool, error)
}

// Lazy mode resumes remote calls this long before the expected track end.
const lazyLead = 10 * time.Second

// Throttle decides when a remote call is due. Between calls the last answer
// is reused.
type Throttle struct {
	mode  string
	every time.Duration
	now   func() time.Time

	mu       sync.Mutex
	lastCall time.Time
	nudged   bool
	last     track.PlaybackState
	have     bool
	lastErr  error
}

func NewThrottle(mode string, every time.Duration) *Throttle {
	if mode == "" {
		mode = config.PollModePoll
	}
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Throttle{mode: mode, every: every, now: time.Now}
}

// Nudge marks the cached answer stale; the next Due returns true.
func (t *Throttle) Nudge() {
	t.mu.Lock()
	t.nudged = true
	t.mu.Unlock()
}

func (t *Throttle) Due() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dueLocked(t.now())
}

func (t *Throttle) dueLocked(now time.Time) bool {
	if t.lastCall.IsZero() || t.nudged {
		return true
	}
	sinceLast := now.Sub(t.lastCall)
	switch t.mode {
	case config.PollModeHook:
		return false
	case config.PollModeLazy:
		if t.have && t.last.Playing && t.last.Track.DurationMs > 0 && t.lastErr == nil {
			left := time.Duration(t.last.Track.DurationMs-t.last.PositionAt(now)) * time.Millisecond
			if left > lazyLead {
				return false
			}
		}
		return sinceLast >= t.every
	default:
		return sinceLast >= t.every
	}
}

func (t *Throttle) record(st track.PlaybackState, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCall = t.now()
	t.nudged = false
	t.lastErr = err
	if err == nil {
		t.last, t.have = st, ok
	}
}

func (t *Throttle) cached() (track.PlaybackState, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.have, t.lastErr
}

// Adapter is a source.Backend over a NowPlaying client.
type Adapter struct {
	name     string
	client   NowPlaying
	throttle *Throttle
}

// New wraps client. A nil throttle calls the provider on every poll.
func New(name string, client NowPlaying, throttle *Throttle) *Adapter {
	return &Adapter{name: name, client: client, throttle: throttle}
}

func (a *Adapter) Name() string         { return a.name }
func (a *Adapter) Origin() track.Origin { return track.OriginProviderAPI }

func (a *Adapter) Nudge() {
	if a.throttle != nil {
		a.throttle.Nudge()
	}
}

func (a *Adapter) Fetch(ctx context.Context) (track.PlaybackState, bool, error) {
	if a.throttle == nil {
		return a.client.NowPlaying(ctx)
	}
	if !a.throttle.Due() {
		return a.throttle.cached()
	}
	st, ok, err := a.client.NowPlaying(ctx)
	a.throttle.record(st, ok, err)
	if err != nil {
		return track.PlaybackState{}, false, err
	}
	if ok {
		st.Origin = track.OriginProviderAPI
	}
	return st, ok, nil
}

// Package detector runs the host-side reconciliation loop: it polls the
// source adapters, decides what the host is really playing and hands a new
// snapshot to the coordinator link only when followers need one.
package detector

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/source"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

type State int

const (
	ServerDown State = iota
	Idle
	TrackingViaHook
	TrackingViaProvider
)

func (s State) String() string {
	switch s {
	case ServerDown:
		return "server_down"
	case Idle:
		return "idle"
	case TrackingViaHook:
		return "tracking_via_hook"
	case TrackingViaProvider:
		return "tracking_via_provider"
	}
	return "unknown"
}

// Link is the host's outbound connection to the coordinator.
type Link interface {
	Connected() bool
	Publish(ctx context.Context, st track.PlaybackState) error
}

type Options struct {
	// Positional adapters report position accurately (OS hook, local
	// folder). Earlier entries win ties.
	Positional []source.Adapter
	// Providers report identity only (streaming service APIs).
	Providers []source.Adapter
	Link      Link

	Tick           time.Duration
	DriftTolerance time.Duration
	// DurationMatch is how close hook and provider durations must be for
	// the hook track to take the provider identity.
	DurationMatch time.Duration
	// Grace keeps trusting the provider identity after the durations
	// diverge, while the hook catches up with a track change.
	Grace time.Duration
	Clock func() time.Time
}

// Event is emitted on every state transition and propagation.
type Event struct {
	State      State
	Propagated *track.PlaybackState
	Err        error
}

type Detector struct {
	opts Options

	mu        sync.Mutex // serializes Step
	state     State
	last      *track.PlaybackState
	republish bool
	hookIdent string

	armed      bool
	divergedAt time.Time

	subMu sync.Mutex
	subs  []chan Event
}

func New(opts Options) *Detector {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.DriftTolerance <= 0 {
		opts.DriftTolerance = 2 * time.Second
	}
	if opts.DurationMatch <= 0 {
		opts.DurationMatch = 200 * time.Millisecond
	}
	if opts.Grace <= 0 {
		opts.Grace = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Detector{opts: opts, state: ServerDown}
}

// Subscribe returns a channel of detector events. Slow subscribers miss events.
func (d *Detector) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	d.subMu.Lock()
	d.subs = append(d.subs, ch)
	d.subMu.Unlock()
	return ch
}

func (d *Detector) Unsubscribe(ch <-chan Event) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for i, c := range d.subs {
		if c == ch {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			close(c)
			return
		}
	}
}

func (d *Detector) emit(ev Event) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, c := range d.subs {
		select {
		case c <- ev:
		default:
		}
	}
}

// Current returns the state and the last propagated snapshot.
func (d *Detector) Current() (State, *track.PlaybackState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return d.state, nil
	}
	cp := *d.last
	return d.state, &cp
}

// Run steps on every tick until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	t := time.NewTicker(d.opts.Tick)
	defer t.Stop()
	d.Step(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.Step(ctx)
		}
	}
}

type polled struct {
	st track.PlaybackState
	ok bool
}

// pollAll runs every adapter concurrently. Adapters never fail, so the
// group only bounds the fan-out.
func pollAll(ctx context.Context, adapters []source.Adapter) []polled {
	out := make([]polled, len(adapters))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		g.Go(func() error {
			st, ok := a.Poll(gctx)
			out[i] = polled{st: st, ok: ok}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// pick prefers a playing report, then the first present one.
func pick(ps []polled) (track.PlaybackState, bool) {
	for _, p := range ps {
		if p.ok && p.st.Playing {
			return p.st, true
		}
	}
	for _, p := range ps {
		if p.ok {
			return p.st, true
		}
	}
	return track.PlaybackState{}, false
}

// Step runs one reconciliation.
func (d *Detector) Step(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.opts.Link.Connected() {
		d.setState(ServerDown)
		return
	}
	if d.state == ServerDown {
		d.republish = d.last != nil
	}

	all := append(append([]source.Adapter(nil), d.opts.Positional...), d.opts.Providers...)
	res := pollAll(ctx, all)
	hook, hookOK := pick(res[:len(d.opts.Positional)])
	prov, provOK := pick(res[len(d.opts.Positional):])
	now := d.opts.Clock()

	if hookOK {
		d.noteHookIdentity(hook.Track.Identity())
	}

	switch {
	case hookOK:
		cand := d.enrich(hook, prov, provOK, now)
		d.setState(TrackingViaHook)
		if d.changedPositionally(cand) || d.republish {
			d.propagate(ctx, cand)
		}
	case provOK:
		d.disarm()
		d.setState(TrackingViaProvider)
		if d.last == nil || !d.last.Track.SameIdentity(prov.Track) || d.republish {
			d.propagate(ctx, prov)
		} else {
			reconciled := d.last.WithTrack(d.last.Track.Reconcile(prov.Track))
			d.last = &reconciled
		}
	default:
		d.disarm()
		d.republish = false
		d.setState(Idle)
	}
}

func (d *Detector) noteHookIdentity(id string) {
	if id == d.hookIdent {
		return
	}
	d.hookIdent = id
	for _, p := range d.opts.Providers {
		if n, ok := p.(source.Nudger); ok {
			n.Nudge()
		}
	}
}

func (d *Detector) disarm() {
	d.armed = false
	d.divergedAt = time.Time{}
}

// enrich gives a hook track without a downloadable identity the provider's
// identity when both describe the same recording.
func (d *Detector) enrich(hook, prov track.PlaybackState, provOK bool, now time.Time) track.PlaybackState {
	if !provOK || hook.Origin != track.OriginStreamingHook || hook.Track.Provider != track.ProviderLocal {
		d.disarm()
		return hook
	}
	diff := time.Duration(hook.Track.DurationMs-prov.Track.DurationMs) * time.Millisecond
	if diff < 0 {
		diff = -diff
	}
	if hook.Track.DurationMs > 0 && prov.Track.DurationMs > 0 && diff < d.opts.DurationMatch {
		d.armed = true
		d.divergedAt = time.Time{}
		out := hook.WithTrack(prov.Track)
		out.Origin = track.OriginProviderAPI
		return out
	}
	if !d.armed {
		return hook
	}
	if d.divergedAt.IsZero() {
		d.divergedAt = now
	}
	elapsed := now.Sub(d.divergedAt)
	if elapsed >= d.opts.Grace {
		d.disarm()
		return hook
	}
	// Within grace the provider has moved to a new track the hook has not
	// reported yet; it started when the durations diverged.
	out := track.NewState(prov.Track, track.OriginProviderAPI, elapsed.Milliseconds(), true, now)
	return out
}

// changedPositionally is the hook-mode propagation rule: new identity,
// a play-state flip, or a jump beyond the drift tolerance.
func (d *Detector) changedPositionally(cand track.PlaybackState) bool {
	if d.last == nil {
		return true
	}
	if !d.last.Track.SameIdentity(cand.Track) {
		return true
	}
	if d.last.Playing != cand.Playing || d.last.Status != cand.Status {
		return true
	}
	return cand.Drift(*d.last) > d.opts.DriftTolerance
}

func (d *Detector) propagate(ctx context.Context, st track.PlaybackState) {
	st = st.Normalize()
	d.republish = false
	err := d.opts.Link.Publish(ctx, st)
	if err != nil {
		if errors.Is(err, syncerr.ErrConnectivityLost) {
			logger.Warn("detector: coordinator unreachable", logger.Err(err))
			d.setState(ServerDown)
			return
		}
		// Rejections are not retried for the same state.
		logger.Warn("detector: publish rejected", logger.String("track", st.Track.Identity()), logger.Err(err))
		d.last = &st
		d.emit(Event{State: d.state, Err: err})
		return
	}
	d.last = &st
	logger.Info("detector: propagated",
		logger.String("state", d.state.String()),
		logger.String("track", st.Track.Identity()),
		logger.Int64("position_ms", st.PositionMs),
		logger.Bool("playing", st.Playing))
	cp := st
	d.emit(Event{State: d.state, Propagated: &cp})
}

func (d *Detector) setState(s State) {
	if d.state == s {
		return
	}
	logger.Info("detector: state", logger.String("from", d.state.String()), logger.String("to", s.String()))
	d.state = s
	d.emit(Event{State: s})
}

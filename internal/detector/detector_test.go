package detector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/tandem/internal/source"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

type fakeAdapter struct {
	name   string
	origin track.Origin

	mu     sync.Mutex
	st     track.PlaybackState
	ok     bool
	polls  int
	nudges int
}

func (f *fakeAdapter) Name() string         { return f.name }
func (f *fakeAdapter) Origin() track.Origin { return f.origin }

func (f *fakeAdapter) Poll(context.Context) (track.PlaybackState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.st, f.ok
}

func (f *fakeAdapter) Nudge() {
	f.mu.Lock()
	f.nudges++
	f.mu.Unlock()
}

func (f *fakeAdapter) report(st track.PlaybackState) {
	f.mu.Lock()
	f.st, f.ok = st, true
	f.mu.Unlock()
}

func (f *fakeAdapter) silence() {
	f.mu.Lock()
	f.ok = false
	f.mu.Unlock()
}

type fakeLink struct {
	connected bool
	err       error
	published []track.PlaybackState
}

func (l *fakeLink) Connected() bool { return l.connected }

func (l *fakeLink) Publish(_ context.Context, st track.PlaybackState) error {
	if l.err != nil {
		return l.err
	}
	l.published = append(l.published, st)
	return nil
}

type harness struct {
	t     *testing.T
	now   time.Time
	hook  *fakeAdapter
	prov  *fakeAdapter
	link  *fakeLink
	d     *Detector
	steps int
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:    t,
		now:  time.Unix(10_000, 0),
		hook: &fakeAdapter{name: "hook", origin: track.OriginStreamingHook},
		prov: &fakeAdapter{name: "yandex", origin: track.OriginProviderAPI},
		link: &fakeLink{connected: true},
	}
	h.d = New(Options{
		Positional:     []source.Adapter{h.hook},
		Providers:      []source.Adapter{h.prov},
		Link:           h.link,
		DriftTolerance: 2 * time.Second,
		Clock:          func() time.Time { return h.now },
	})
	return h
}

// step advances the clock by dt and runs one reconciliation.
func (h *harness) step(dt time.Duration) State {
	h.now = h.now.Add(dt)
	h.d.Step(context.Background())
	h.steps++
	s, _ := h.d.Current()
	return s
}

func (h *harness) expectPublished(n int) {
	h.t.Helper()
	if len(h.link.published) != n {
		ids := make([]string, 0, len(h.link.published))
		for _, p := range h.link.published {
			ids = append(ids, fmt.Sprintf("%s@%d", p.Track.Identity(), p.PositionMs))
		}
		h.t.Fatalf("after step %d: published %d %v, want %d", h.steps, len(h.link.published), ids, n)
	}
}

func (h *harness) lastPublished() track.PlaybackState {
	return h.link.published[len(h.link.published)-1]
}

// hookAt reports track id playing at pos, observed now.
func (h *harness) hookAt(id string, posMs int64, playing bool) {
	tr := track.Track{Provider: track.ProviderYouTube, ID: id, DurationMs: 240_000}
	h.hook.report(track.NewState(tr, track.OriginStreamingHook, posMs, playing, h.now))
}

func (h *harness) provReports(id string, durationMs int64) {
	tr := track.Track{Provider: track.ProviderYandex, ID: id, Title: "t" + id, DurationMs: durationMs}
	h.prov.report(track.NewState(tr, track.OriginProviderAPI, 0, true, h.now))
}

func TestHookPropagation(t *testing.T) {
	h := newHarness(t)

	h.hookAt("aaaaaaaaaaa", 0, true)
	if s := h.step(0); s != TrackingViaHook {
		t.Fatalf("state = %v", s)
	}
	h.expectPublished(1)

	// Steady progress: position keeps pace with wall time.
	for i := 1; i <= 5; i++ {
		h.now = h.now.Add(time.Second)
		h.hookAt("aaaaaaaaaaa", int64(i)*1000, true)
		h.d.Step(context.Background())
	}
	h.expectPublished(1)

	// Small jitter within tolerance.
	h.now = h.now.Add(time.Second)
	h.hookAt("aaaaaaaaaaa", 7_500, true)
	h.step(0)
	h.expectPublished(1)

	// Seek forward.
	h.hookAt("aaaaaaaaaaa", 60_000, true)
	h.step(0)
	h.expectPublished(2)
	if p := h.lastPublished(); p.PositionMs != 60_000 {
		t.Errorf("published position = %d", p.PositionMs)
	}

	// Pause is a play-state flip.
	h.hookAt("aaaaaaaaaaa", 60_000, false)
	h.step(0)
	h.expectPublished(3)
	if p := h.lastPublished(); p.Playing || p.Status != track.StatusPaused {
		t.Errorf("published %+v, want paused", p)
	}

	// Still paused, time passes: no drift for a paused track.
	h.hookAt("aaaaaaaaaaa", 60_000, false)
	h.step(10 * time.Second)
	h.expectPublished(3)

	// Track change.
	h.hookAt("bbbbbbbbbbb", 0, true)
	h.step(0)
	h.expectPublished(4)
	if id := h.lastPublished().Track.Identity(); id != "youtube:bbbbbbbbbbb" {
		t.Errorf("published %s", id)
	}
}

func TestHookToProviderWithoutDuplicate(t *testing.T) {
	h := newHarness(t)
	tr := track.Track{Provider: track.ProviderYandex, ID: "42", DurationMs: 180_000}

	h.hook.report(track.NewState(tr, track.OriginStreamingHook, 5_000, true, h.now))
	h.prov.report(track.NewState(tr, track.OriginProviderAPI, 5_000, true, h.now))
	if s := h.step(0); s != TrackingViaHook {
		t.Fatalf("state = %v", s)
	}
	h.expectPublished(1)

	h.hook.silence()
	if s := h.step(time.Second); s != TrackingViaProvider {
		t.Fatalf("state = %v, want TrackingViaProvider", s)
	}
	h.expectPublished(1)

	// Provider moves on.
	h.prov.report(track.NewState(track.Track{Provider: track.ProviderYandex, ID: "43"}, track.OriginProviderAPI, 0, true, h.now))
	h.step(time.Second)
	h.expectPublished(2)
}

func TestProviderIdentityOnly(t *testing.T) {
	h := newHarness(t)
	h.provReports("1", 100_000)
	h.step(0)
	h.expectPublished(1)

	// A position jump and a metadata change on the same track do not propagate.
	h.prov.report(track.NewState(track.Track{Provider: track.ProviderYandex, ID: "1", Title: "renamed"}, track.OriginProviderAPI, 90_000, true, h.now))
	h.step(time.Second)
	h.expectPublished(1)
	if _, last := h.d.Current(); last == nil || last.Track.Title != "renamed" {
		t.Errorf("metadata not reconciled: %+v", last)
	}
}

func TestHookWinsDisagreement(t *testing.T) {
	h := newHarness(t)
	h.hookAt("ccccccccccc", 1_000, true)
	h.provReports("99", 10_000)
	h.step(0)
	h.expectPublished(1)
	if id := h.lastPublished().Track.Identity(); id != "youtube:ccccccccccc" {
		t.Errorf("published %s, want hook track", id)
	}
}

func TestIdleAndServerDown(t *testing.T) {
	h := newHarness(t)
	if s := h.step(0); s != Idle {
		t.Fatalf("state = %v, want Idle", s)
	}
	h.expectPublished(0)

	h.hookAt("ddddddddddd", 0, true)
	h.step(0)
	h.expectPublished(1)

	h.link.connected = false
	polls := h.hook.polls
	if s := h.step(time.Second); s != ServerDown {
		t.Fatalf("state = %v, want ServerDown", s)
	}
	if h.hook.polls != polls {
		t.Error("adapters polled while the server is down")
	}

	h.link.connected = true
	h.now = h.now.Add(time.Second)
	h.hookAt("ddddddddddd", 2_000, true)
	h.step(0)
	h.expectPublished(2)
	if h.lastPublished().PositionMs != 2_000 {
		t.Errorf("republished position = %d", h.lastPublished().PositionMs)
	}

	h.now = h.now.Add(time.Second)
	h.hookAt("ddddddddddd", 3_000, true)
	h.step(0)
	h.expectPublished(2)
}

func TestConnectivityLostDuringPublish(t *testing.T) {
	h := newHarness(t)
	h.link.err = syncerr.ErrConnectivityLost
	h.hookAt("eeeeeeeeeee", 0, true)
	if s := h.step(0); s != ServerDown {
		t.Fatalf("state = %v, want ServerDown", s)
	}
	h.link.err = nil
	h.hookAt("eeeeeeeeeee", 1_000, true)
	h.step(time.Second)
	h.expectPublished(1)
}

func TestRejectedPublishNotRetried(t *testing.T) {
	h := newHarness(t)
	events := h.d.Subscribe()
	h.link.err = syncerr.ErrNotHost
	h.hookAt("fffffffffff", 0, true)
	h.step(0)
	h.link.err = nil
	h.hookAt("fffffffffff", 1_000, true)
	h.step(time.Second)
	h.expectPublished(0)

	var sawErr bool
	for len(events) > 0 {
		if ev := <-events; ev.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("rejection not reported to subscribers")
	}
}

func TestDurationMatchAdoptsProviderIdentity(t *testing.T) {
	h := newHarness(t)
	local := track.Track{Provider: track.ProviderLocal, ID: "Muse - Uprising", DurationMs: 305_000}
	h.hook.report(track.NewState(local, track.OriginStreamingHook, 12_000, true, h.now))
	h.provReports("555", 305_100)

	h.step(0)
	h.expectPublished(1)
	p := h.lastPublished()
	if p.Track.Identity() != "yandex:555" || p.PositionMs != 12_000 || p.Origin != track.OriginProviderAPI {
		t.Fatalf("published %+v", p)
	}

	// The hook still shows the old track while the provider moved on:
	// within grace the provider's track wins, timed from the divergence.
	h.provReports("556", 200_000)
	h.now = h.now.Add(time.Second)
	h.hook.report(track.NewState(local, track.OriginStreamingHook, 13_000, true, h.now))
	h.step(0)
	h.expectPublished(2)
	if p := h.lastPublished(); p.Track.Identity() != "yandex:556" || p.PositionMs != 0 {
		t.Fatalf("published %+v, want provider track from 0", p)
	}

	// After grace the hook wins again.
	h.now = h.now.Add(20 * time.Second)
	h.hook.report(track.NewState(local, track.OriginStreamingHook, 33_000, true, h.now))
	h.step(0)
	h.expectPublished(3)
	if p := h.lastPublished(); p.Track.Identity() != "local:Muse - Uprising" {
		t.Fatalf("published %+v, want hook track", p)
	}
}

func TestHookChangeNudgesProviders(t *testing.T) {
	h := newHarness(t)
	h.hookAt("ggggggggggg", 0, true)
	h.step(0)
	h.step(time.Second)
	h.hookAt("hhhhhhhhhhh", 0, true)
	h.step(time.Second)
	if h.prov.nudges != 2 {
		t.Errorf("nudges = %d, want 2", h.prov.nudges)
	}
}

// Scripted sequences: a propagation happens exactly when the identity
// changes or the position jumps beyond tolerance.
func TestPropagatesIffIdentityOrDrift(t *testing.T) {
	type obs struct {
		id   string
		pos  int64
		want bool
	}
	seq := []obs{
		{"aaaaaaaaaaa", 0, true},
		{"aaaaaaaaaaa", 1_000, false},
		{"aaaaaaaaaaa", 2_500, false},
		{"aaaaaaaaaaa", 9_000, true},
		{"aaaaaaaaaaa", 10_000, false},
		{"bbbbbbbbbbb", 11_000, true},
		{"bbbbbbbbbbb", 12_100, false},
		{"bbbbbbbbbbb", 1_000, true},
		{"aaaaaaaaaaa", 2_000, true},
	}
	h := newHarness(t)
	for i, o := range seq {
		if i > 0 {
			h.now = h.now.Add(time.Second)
		}
		before := len(h.link.published)
		h.hookAt(o.id, o.pos, true)
		h.d.Step(context.Background())
		got := len(h.link.published) > before
		if got != o.want {
			t.Fatalf("step %d (%s@%d): propagated = %v, want %v", i, o.id, o.pos, got, o.want)
		}
	}
}

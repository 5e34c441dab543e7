// Package player holds the audio sinks a follower plays transferred
// tracks into.
package player

import (
	"context"
	"io"
	"sync"

	"github.com/petervdpas/tandem/internal/track"
)

// Sink plays one track at a time. Play blocks until the stream ends, the
// sink is stopped or ctx is cancelled. Pause and Resume act on whatever is
// playing right now; called before Play, they decide whether it starts
// paused. Stop forgets them.
type Sink interface {
	Play(ctx context.Context, st track.PlaybackState, r io.Reader) error
	Pause()
	Resume()
	Stop()
}

// gate blocks readers while closed.
type gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{} // closed while open
}

func newGate(open bool) *gate {
	g := &gate{ch: make(chan struct{})}
	if open {
		g.open = true
		close(g.ch)
	}
	return g
}

func (g *gate) set(open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if open == g.open {
		return
	}
	g.open = open
	if open {
		close(g.ch)
	} else {
		g.ch = make(chan struct{})
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// playback is the bookkeeping shared by sinks: the gate and cancel func of
// the track currently playing, and the last Pause/Resume request.
type playback struct {
	mu     sync.Mutex
	gate   *gate
	cancel context.CancelFunc
	want   *bool
}

func (p *playback) begin(ctx context.Context, playing bool) (context.Context, *gate, func()) {
	pctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.want != nil {
		playing = *p.want
	}
	g := newGate(playing)
	if p.cancel != nil {
		p.cancel()
	}
	p.gate, p.cancel = g, cancel
	p.mu.Unlock()
	return pctx, g, func() {
		cancel()
		p.mu.Lock()
		if p.gate == g {
			p.gate, p.cancel = nil, nil
		}
		p.mu.Unlock()
	}
}

func (p *playback) setPlaying(playing bool) {
	p.mu.Lock()
	g := p.gate
	p.want = &playing
	p.mu.Unlock()
	if g != nil {
		g.set(playing)
	}
}

func (p *playback) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.gate, p.cancel, p.want = nil, nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// copyGated copies r to w in chunks, waiting at the gate before each one.
func copyGated(ctx context.Context, g *gate, w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if err := g.wait(ctx); err != nil {
			return total, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// Discard consumes streams without producing sound, honoring pause.
type Discard struct {
	pb playback
}

func (d *Discard) Play(ctx context.Context, st track.PlaybackState, r io.Reader) error {
	pctx, g, done := d.pb.begin(ctx, st.Playing)
	defer done()
	_, err := copyGated(pctx, g, io.Discard, r)
	return err
}

func (d *Discard) Pause()  { d.pb.setPlaying(false) }
func (d *Discard) Resume() { d.pb.setPlaying(true) }
func (d *Discard) Stop()   { d.pb.stop() }

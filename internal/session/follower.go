package session

import (
	"context"
	"sync"
	"time"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/storage"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
	"github.com/petervdpas/tandem/internal/transfer"
)

// Applier runs one transfer at a time. *transfer.Runner satisfies it.
type Applier interface {
	Apply(st track.PlaybackState) bool
	Stop()
}

// Controls drives whatever is playing. player.Sink satisfies it.
type Controls interface {
	Pause()
	Resume()
	Stop()
}

// LANHolders finds peers on the local network announcing a track.
// *p2p.Node satisfies it.
type LANHolders interface {
	LANHolder(session, identity string) (*track.Holder, bool)
}

// History records finished plays. *storage.DB satisfies it.
type History interface {
	AddPlay(r storage.PlayRecord) error
}

type FollowerOptions struct {
	Runner  Applier
	Sink    Controls
	LAN     LANHolders // optional
	History History    // optional

	// Tolerance is how far the host may drift from our playback before
	// the track is restarted at the host's position.
	Tolerance time.Duration
	Clock     func() time.Time
}

// Follower is the reactive role: every state the coordinator sends becomes
// a transfer (new track), a seek (drifted) or a pause/resume (same track).
type Follower struct {
	sc   Context
	opts FollowerOptions

	mu     sync.Mutex
	seq    uint64
	base   *track.PlaybackState // state the running transfer was started for
	paused bool
	ended  bool
}

func NewFollower(sc Context, opts FollowerOptions) *Follower {
	if opts.Tolerance <= 0 {
		opts.Tolerance = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Follower{sc: sc, opts: opts}
}

func (f *Follower) Name() string { return proto.RoleFollower }

// OnSnapshot resynchronizes from scratch: seq restarts at the snapshot's.
func (f *Follower) OnSnapshot(snap proto.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	f.seq = snap.Seq
	f.applyLocked(snap.Current)
}

func (f *Follower) OnState(st track.PlaybackState, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	if seq != 0 && seq <= f.seq {
		logger.Debug("session: stale state", logger.Int64("seq", int64(seq)), logger.Int64("have", int64(f.seq)))
		return
	}
	f.seq = seq
	f.applyLocked(&st)
}

func (f *Follower) OnMembers([]proto.Member) {}

func (f *Follower) OnEnded(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	logger.Info("session: ended", logger.String("session", f.sc.SessionID), logger.String("reason", reason))
	f.stopLocked()
}

// Current returns the state the running transfer was started for.
func (f *Follower) Current() (track.PlaybackState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.base == nil {
		return track.PlaybackState{}, false
	}
	return *f.base, true
}

func (f *Follower) stopLocked() {
	if f.base == nil {
		return
	}
	f.opts.Runner.Stop()
	f.opts.Sink.Stop()
	f.base = nil
	f.paused = false
}

func (f *Follower) applyLocked(st *track.PlaybackState) {
	now := f.opts.Clock()
	if st == nil || st.Status == track.StatusStopped || st.Track.ID == "" || st.Finished(now) {
		f.stopLocked()
		return
	}
	next := *st

	if f.base == nil || !f.base.Track.SameIdentity(next.Track) {
		f.startLocked(next)
		return
	}

	if !next.Playing {
		if !f.paused {
			f.opts.Sink.Pause()
			f.paused = true
		}
		return
	}
	if drift := absDur(next.StartedAt().Sub(f.base.StartedAt())); drift > f.opts.Tolerance {
		logger.Info("session: drifted, seeking",
			logger.String("track", next.Track.Identity()),
			logger.Duration("drift", drift))
		f.startLocked(next)
		return
	}
	if f.paused {
		f.opts.Sink.Resume()
		f.paused = false
	}
}

func (f *Follower) startLocked(st track.PlaybackState) {
	if st.Holder == nil && f.opts.LAN != nil {
		if h, ok := f.opts.LAN.LANHolder(f.sc.SessionID, st.Track.Identity()); ok {
			st = st.WithHolder(h)
		}
	}
	if !f.opts.Runner.Apply(st) {
		logger.Info("session: not retrying track that failed", logger.String("track", st.Track.Identity()))
		f.opts.Sink.Stop()
		f.base = nil
		return
	}
	logger.Info("session: following", logger.String("state", st.Format()))
	// The transfer may still be connecting; the sink holds on to this
	// until playback begins.
	if st.Playing {
		f.opts.Sink.Resume()
	} else {
		f.opts.Sink.Pause()
	}
	f.base = &st
	f.paused = !st.Playing
}

// Watch consumes transfer events until ctx ends or the channel closes:
// completed plays go to the history, failures are reported as notices.
func (f *Follower) Watch(ctx context.Context, events <-chan transfer.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.handle(ev)
		}
	}
}

func (f *Follower) handle(ev transfer.Event) {
	switch ev.Kind {
	case transfer.EventStarted:
		logger.Info("session: streaming", logger.String("track", ev.State.Track.Identity()), logger.String("source", ev.Candidate.Key()))
	case transfer.EventCompleted:
		if f.opts.History == nil {
			return
		}
		err := f.opts.History.AddPlay(storage.PlayRecord{
			Identity:  ev.State.Track.Identity(),
			Origin:    ev.State.Origin.String(),
			SessionID: f.sc.SessionID,
			Source:    ev.Candidate.Key(),
			PlayedAt:  f.opts.Clock(),
		})
		if err != nil {
			logger.Warn("session: recording play failed", logger.Err(err))
		}
	case transfer.EventFailed:
		logger.Warn("session: track will not sync",
			logger.String("track", ev.State.Track.Identity()),
			logger.Err(ev.Err),
			logger.String("suggestion", syncerr.Suggestion(ev.Err)))
	}
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

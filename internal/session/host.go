package session

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
	"github.com/petervdpas/tandem/internal/util"
)

// Publisher is the host's coordinator connection. *syncclient.Conn
// satisfies it.
type Publisher interface {
	Connected() bool
	Publish(ctx context.Context, st track.PlaybackState) error
}

// HolderSource is the local P2P node as seen by the host. *p2p.Node
// satisfies it.
type HolderSource interface {
	Serves(identity string) bool
	Holder() *track.Holder
	Announce(ctx context.Context, session, identity string) error
}

// HostLink is the detector's link to the coordinator. It stamps states with
// this node as holder when the track can be served locally, announces the
// holder on the LAN, and never republishes the last acknowledged state.
type HostLink struct {
	sc      Context
	pub     Publisher
	holders HolderSource

	mu    sync.Mutex
	acked *track.PlaybackState
}

// NewHostLink wraps pub. holders may be nil when P2P is off.
func NewHostLink(sc Context, pub Publisher, holders HolderSource) *HostLink {
	return &HostLink{sc: sc, pub: pub, holders: holders}
}

// Connected reports the coordinator connection. Losing it forgets the last
// acknowledged state so the detector's republish after reconnect goes out.
func (l *HostLink) Connected() bool {
	ok := l.pub.Connected()
	if !ok {
		l.Forget()
	}
	return ok
}

func (l *HostLink) Publish(ctx context.Context, st track.PlaybackState) error {
	st = l.stamp(ctx, st)

	l.mu.Lock()
	dup := l.acked != nil && same(*l.acked, st)
	l.mu.Unlock()
	if dup {
		logger.Debug("session: skipping duplicate publish", logger.String("track", st.Track.Identity()))
		return nil
	}

	if err := l.pub.Publish(ctx, st); err != nil {
		if errors.Is(err, syncerr.ErrConnectivityLost) {
			l.Forget()
		}
		return err
	}
	l.mu.Lock()
	l.acked = &st
	l.mu.Unlock()
	return nil
}

func (l *HostLink) stamp(ctx context.Context, st track.PlaybackState) track.PlaybackState {
	if l.holders == nil || st.Track.ID == "" {
		return st
	}
	id := st.Track.Identity()
	if !l.holders.Serves(id) {
		return st.WithHolder(nil)
	}
	actx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
	defer cancel()
	if err := l.holders.Announce(actx, l.sc.SessionID, id); err != nil {
		logger.Debug("session: holder announce failed", logger.String("track", id), logger.Err(err))
	}
	return st.WithHolder(l.holders.Holder())
}

// Acked returns the last state the coordinator acknowledged.
func (l *HostLink) Acked() (track.PlaybackState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acked == nil {
		return track.PlaybackState{}, false
	}
	return *l.acked, true
}

// Forget drops the acknowledged state; the next publish always goes out.
func (l *HostLink) Forget() {
	l.mu.Lock()
	l.acked = nil
	l.mu.Unlock()
}

func same(a, b track.PlaybackState) bool {
	if a.Origin != b.Origin || !a.Equivalent(b, 0) {
		return false
	}
	if (a.Holder == nil) != (b.Holder == nil) {
		return false
	}
	return a.Holder == nil || a.Holder.PeerID == b.Holder.PeerID
}

// Host is the authoritative role. Its detector publishes through a
// HostLink; the coordinator stream only tells it about members and the end
// of the session.
type Host struct {
	sc   Context
	link *HostLink

	mu      sync.Mutex
	members []proto.Member
	ended   chan struct{}
	once    sync.Once
}

func NewHost(sc Context, link *HostLink) *Host {
	return &Host{sc: sc, link: link, ended: make(chan struct{})}
}

func (h *Host) Name() string { return proto.RoleHost }

func (h *Host) OnSnapshot(snap proto.Snapshot) {
	h.mu.Lock()
	h.members = slices.Clone(snap.Members)
	h.mu.Unlock()

	// A coordinator that lost our state (restart, expiry) needs a fresh publish.
	acked, ok := h.link.Acked()
	if ok && (snap.Current == nil || !same(acked, *snap.Current)) {
		logger.Info("session: coordinator state differs, republishing", logger.String("session", h.sc.SessionID))
		h.link.Forget()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
			defer cancel()
			if err := h.link.Publish(ctx, acked); err != nil {
				logger.Warn("session: republish failed", logger.Err(err))
			}
		}()
	}
}

// OnState sees our own publishes echoed back.
func (h *Host) OnState(track.PlaybackState, uint64) {}

func (h *Host) OnMembers(members []proto.Member) {
	h.mu.Lock()
	h.members = slices.Clone(members)
	h.mu.Unlock()
	logger.Info("session: members changed", logger.String("session", h.sc.SessionID), logger.Int("count", len(members)))
}

func (h *Host) OnEnded(reason string) {
	logger.Info("session: ended", logger.String("session", h.sc.SessionID), logger.String("reason", reason))
	h.once.Do(func() { close(h.ended) })
}

// Members returns the last known membership.
func (h *Host) Members() []proto.Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.members)
}

// Ended is closed once the coordinator ends the session.
func (h *Host) Ended() <-chan struct{} { return h.ended }

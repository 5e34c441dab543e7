// Package coordinator is the sync server. It keeps one authoritative
// playback state per session, orders the host's publishes, fans updates out
// to members over websockets, SSE or plain HTTP polling, and tears sessions
// down when their host stays away.
package coordinator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
	"github.com/petervdpas/tandem/internal/util"
)

type Options struct {
	// HostGrace is how long a session survives without a host connection.
	HostGrace time.Duration

	// SessionTTL is the idle lifetime; activity extends it.
	SessionTTL time.Duration

	MaxMembers int

	// ReapEvery is the reaper interval.
	ReapEvery time.Duration

	Mirror Mirror
	Clock  func() time.Time
}

type Hub struct {
	opts Options
	now  func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	mirrorCh chan mirrorOp
}

func NewHub(opts Options) *Hub {
	if opts.HostGrace <= 0 {
		opts.HostGrace = 30 * time.Second
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 12 * time.Hour
	}
	if opts.ReapEvery <= 0 {
		opts.ReapEvery = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	h := &Hub{
		opts:     opts,
		now:      opts.Clock,
		sessions: map[string]*session{},
	}
	if opts.Mirror != nil {
		h.mirrorCh = make(chan mirrorOp, 256)
	}
	return h
}

// Run reaps abandoned sessions and writes the mirror until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	if h.mirrorCh != nil {
		go h.mirrorLoop(ctx)
	}
	t := time.NewTicker(h.opts.ReapEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.Reap()
		}
	}
}

func (h *Hub) get(id string) (*session, error) {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return nil, syncerr.ErrSessionNotFound
	}
	return s, nil
}

// CreateSession opens a session hosted by hostID under a fresh id. The
// returned snapshot carries the host token; later snapshots never do.
func (h *Hub) CreateSession(hostID, label string) (proto.Snapshot, error) {
	if strings.TrimSpace(hostID) == "" {
		hostID = uuid.NewString()
	}
	return h.create(newSessionID(), hostID, uuid.NewString(), label, false)
}

// CreateLegacy opens (or reopens) a session for an HTTP polling host. The
// session id doubles as the host's credential.
func (h *Hub) CreateLegacy(id string) (proto.Snapshot, error) {
	if id == "" {
		id = newSessionID()
	}
	id, err := util.ValidateSessionID(id)
	if err != nil {
		return proto.Snapshot{}, err
	}
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.ended {
			s.touchLocked(h.now(), h.opts.SessionTTL)
			return s.snapshotLocked(), nil
		}
	}
	return h.create(id, legacyHostID(id), id, "", true)
}

func legacyHostID(id string) string { return "http:" + id }

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (h *Hub) create(id, hostID, token, label string, legacy bool) (proto.Snapshot, error) {
	now := h.now()
	s := newSession(id, hostID, now, h.opts.SessionTTL)
	s.hostToken = token
	s.now = h.now
	s.legacy = legacy
	s.members[hostID].label = label

	h.mu.Lock()
	if old, ok := h.sessions[id]; ok {
		old.mu.Lock()
		ended := old.ended
		old.mu.Unlock()
		if !ended {
			h.mu.Unlock()
			return proto.Snapshot{}, syncerr.ErrNotHost
		}
	}
	h.sessions[id] = s
	h.mu.Unlock()

	s.mu.Lock()
	snap := s.persistLocked()
	s.mu.Unlock()
	h.mirrorSave(snap)

	logger.Info("coord: session created", logger.String("session", id), logger.String("host", hostID), logger.Bool("legacy", legacy))
	return snap, nil
}

// Authorize checks that a caller claiming peerID may act as it. Only the
// host identity is guarded; it needs the token issued at creation.
func (h *Hub) Authorize(id, peerID, token string) error {
	s, err := h.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorizeLocked(peerID, token)
}

// Join adds peerID to the session without a live connection.
func (h *Hub) Join(id, peerID, role, label string) (proto.Snapshot, error) {
	s, err := h.get(id)
	if err != nil {
		return proto.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := h.joinLocked(s, peerID, role, label); err != nil {
		return proto.Snapshot{}, err
	}
	s.deliverLocked(s.membersMsgLocked())
	h.mirrorSave(s.persistLocked())
	return s.snapshotLocked(), nil
}

func (h *Hub) joinLocked(s *session, peerID, role, label string) error {
	if s.ended {
		return syncerr.ErrSessionNotFound
	}
	if role == proto.RoleObserver {
		return nil
	}
	if peerID == s.hostID {
		role = proto.RoleHost
	} else if role == proto.RoleHost {
		return syncerr.ErrNotHost
	} else {
		role = proto.RoleFollower
	}
	m, ok := s.members[peerID]
	if !ok {
		if h.opts.MaxMembers > 0 && s.memberCountLocked() >= h.opts.MaxMembers {
			return syncerr.ErrSessionFull
		}
		m = &member{role: role}
		s.members[peerID] = m
	}
	if label != "" {
		m.label = label
	}
	s.touchLocked(h.now(), h.opts.SessionTTL)
	return nil
}

// Publish replaces the session's current state. Only the host may publish;
// publishes are applied in arrival order and the last one wins.
func (h *Hub) Publish(id, hostID string, st track.PlaybackState) (uint64, error) {
	s, err := h.get(id)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return 0, syncerr.ErrSessionNotFound
	}
	if hostID != s.hostID {
		return 0, syncerr.ErrNotHost
	}
	now := h.now()
	st = st.Normalize()
	if st.ObservedAt.IsZero() {
		st.ObservedAt = now
	}
	s.seq++
	s.current = &st
	if s.legacy {
		s.hostSeen = now
	}
	s.touchLocked(now, h.opts.SessionTTL)

	cur := st
	s.deliverLocked(proto.Message{Type: proto.TypeState, Session: s.id, Seq: s.seq, State: &cur, TS: proto.NowMillis()})
	h.mirrorSave(s.persistLocked())

	logger.Debug("coord: publish",
		logger.String("session", id),
		logger.Int64("seq", int64(s.seq)),
		logger.String("state", st.Format()))
	return s.seq, nil
}

// Leave removes peerID. A leaving host starts the grace period.
func (h *Hub) Leave(id, peerID string) error {
	s, err := h.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return syncerr.ErrSessionNotFound
	}
	for sub := range s.subs {
		if sub.peerID == peerID {
			s.dropLocked(sub)
		}
	}
	if peerID == s.hostID {
		s.hostConns = 0
		s.hostSeen = h.now()
	}
	delete(s.members, peerID)
	s.deliverLocked(s.membersMsgLocked())
	h.mirrorSave(s.persistLocked())
	logger.Info("coord: left", logger.String("session", id), logger.String("peer", peerID))
	return nil
}

// Snapshot returns a copy of the session's current view.
func (h *Hub) Snapshot(id string) (proto.Snapshot, error) {
	s, err := h.get(id)
	if err != nil {
		return proto.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return proto.Snapshot{}, syncerr.ErrSessionNotFound
	}
	return s.snapshotLocked(), nil
}

// Sessions lists every live session.
func (h *Hub) Sessions() []proto.Snapshot {
	h.mu.RLock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	out := make([]proto.Snapshot, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		if !s.ended {
			out = append(out, s.snapshotLocked())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// End tears the session down on the host's request.
func (h *Hub) End(id, hostID string) error {
	s, err := h.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return syncerr.ErrSessionNotFound
	}
	if hostID != s.hostID {
		s.mu.Unlock()
		return syncerr.ErrNotHost
	}
	s.endLocked("ended by host")
	s.mu.Unlock()
	h.remove(s, "ended by host")
	return nil
}

func (h *Hub) remove(s *session, reason string) {
	h.mu.Lock()
	if h.sessions[s.id] == s {
		delete(h.sessions, s.id)
	}
	h.mu.Unlock()
	h.mirrorDelete(s.id)
	logger.Info("coord: session torn down", logger.String("session", s.id), logger.String("reason", reason))
}

// Attach joins peerID and subscribes a delivery channel. The first message
// on the channel is the session snapshot.
func (h *Hub) Attach(id, peerID, role, label string) (*subscriber, error) {
	s, err := h.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := h.joinLocked(s, peerID, role, label); err != nil {
		return nil, err
	}
	if peerID == s.hostID && role != proto.RoleObserver {
		role = proto.RoleHost
		s.hostConns++
	}
	sub := newSubscriber(peerID, role)
	if m, ok := s.members[peerID]; ok && role != proto.RoleObserver {
		m.conns++
	}
	snap := s.snapshotLocked()
	sub.send <- proto.Message{Type: proto.TypeSnapshot, Session: s.id, Seq: s.seq, Snapshot: &snap, TS: proto.NowMillis()}
	if role != proto.RoleObserver {
		s.deliverLocked(s.membersMsgLocked())
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// Detach drops sub.
func (h *Hub) Detach(id string, sub *subscriber) {
	s, err := h.get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dropLocked(sub) {
		return
	}
	if sub.role != proto.RoleObserver && !s.ended {
		s.deliverLocked(s.membersMsgLocked())
	}
}

// Resync queues a fresh snapshot for sub.
func (h *Hub) Resync(id string, sub *subscriber) {
	h.reply(id, sub, func(s *session) proto.Message {
		snap := s.snapshotLocked()
		return proto.Message{Type: proto.TypeSnapshot, Session: s.id, Seq: s.seq, Snapshot: &snap, TS: proto.NowMillis()}
	})
}

// reply queues one message for sub, built under the session lock.
func (h *Hub) reply(id string, sub *subscriber, build func(*session) proto.Message) {
	s, err := h.get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendLocked(sub, build(s))
}

// Reap tears down sessions whose host stayed away past the grace period
// and sessions idle past their expiry. It returns how many went.
func (h *Hub) Reap() int {
	now := h.now()
	h.mu.RLock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	n := 0
	for _, s := range all {
		s.mu.Lock()
		reason := ""
		switch {
		case s.ended:
			reason = "ended"
		case now.After(s.expiresAt):
			reason = "expired"
		case !s.legacy && s.hostConns == 0 && now.Sub(s.hostSeen) > h.opts.HostGrace:
			reason = "host absent"
		}
		if reason != "" {
			s.endLocked(reason)
		}
		s.mu.Unlock()
		if reason != "" {
			h.remove(s, reason)
			n++
		}
	}
	return n
}

package coordinator

import (
	"crypto/subtle"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

// subscriber is one live delivery channel: a websocket, an SSE stream or a
// test. The session closes send when it drops the subscriber.
type subscriber struct {
	peerID string
	role   string
	send   chan proto.Message
	closed bool
}

const subscriberBuffer = 64

func newSubscriber(peerID, role string) *subscriber {
	return &subscriber{peerID: peerID, role: role, send: make(chan proto.Message, subscriberBuffer)}
}

// C delivers messages in order. It is closed when the subscriber is dropped.
func (s *subscriber) C() <-chan proto.Message { return s.send }

type member struct {
	role  string
	label string
	conns int
}

// session is one listening session. Every mutation holds mu, which makes
// join, publish and leave a total order per session.
type session struct {
	mu sync.Mutex

	id        string
	hostID    string
	hostToken string
	legacy    bool // created through the HTTP polling surface
	createdAt time.Time
	expiresAt time.Time

	hostConns int
	hostSeen  time.Time
	now       func() time.Time

	current *track.PlaybackState
	seq     uint64

	members map[string]*member
	subs    map[*subscriber]struct{}
	ended   bool
}

func newSession(id, hostID string, now time.Time, ttl time.Duration) *session {
	return &session{
		id:        id,
		hostID:    hostID,
		createdAt: now,
		expiresAt: now.Add(ttl),
		hostSeen:  now,
		now:       time.Now,
		members:   map[string]*member{hostID: {role: proto.RoleHost}},
		subs:      map[*subscriber]struct{}{},
	}
}

// snapshotLocked copies the authoritative view. The host is listed first.
func (s *session) snapshotLocked() proto.Snapshot {
	snap := proto.Snapshot{
		SessionID: s.id,
		HostID:    s.hostID,
		Seq:       s.seq,
		CreatedAt: s.createdAt,
		ExpiresAt: s.expiresAt,
		Ended:     s.ended,
		Members:   s.membersLocked(),
	}
	if s.current != nil {
		cur := s.current.WithHolder(s.current.Holder)
		snap.Current = &cur
	}
	return snap
}

// persistLocked is the snapshot the mirror keeps, credential included.
func (s *session) persistLocked() proto.Snapshot {
	snap := s.snapshotLocked()
	snap.HostToken = s.hostToken
	return snap
}

// authorizeLocked rejects a claim to the host identity without its token.
func (s *session) authorizeLocked(peerID, token string) error {
	if s.ended {
		return syncerr.ErrSessionNotFound
	}
	if peerID != s.hostID {
		return nil
	}
	if s.hostToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.hostToken)) != 1 {
		return syncerr.ErrNotHost
	}
	return nil
}

func (s *session) membersLocked() []proto.Member {
	out := make([]proto.Member, 0, len(s.members))
	for id, m := range s.members {
		out = append(out, proto.Member{PeerID: id, Role: m.role, Label: m.label, Connected: m.conns > 0})
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].PeerID == s.hostID) != (out[j].PeerID == s.hostID) {
			return out[i].PeerID == s.hostID
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// memberCountLocked counts followers and the host, observers excluded.
func (s *session) memberCountLocked() int {
	return len(s.members)
}

func (s *session) touchLocked(now time.Time, ttl time.Duration) {
	if exp := now.Add(ttl); exp.After(s.expiresAt) {
		s.expiresAt = exp
	}
}

// deliverLocked queues msg for every subscriber. A subscriber whose buffer
// is full is dropped; it resynchronizes from the snapshot on reconnect.
func (s *session) deliverLocked(msg proto.Message) {
	for sub := range s.subs {
		select {
		case sub.send <- msg:
		default:
			logger.Warn("coord: dropping slow subscriber",
				logger.String("session", s.id),
				logger.String("peer", sub.peerID))
			s.dropLocked(sub)
		}
	}
}

// sendLocked queues msg for one subscriber.
func (s *session) sendLocked(sub *subscriber, msg proto.Message) {
	if sub.closed {
		return
	}
	select {
	case sub.send <- msg:
	default:
		s.dropLocked(sub)
	}
}

// dropLocked removes sub and updates connection counts. The host's last
// connection going away starts the grace period. It reports whether sub
// was still attached.
func (s *session) dropLocked(sub *subscriber) bool {
	if sub.closed {
		return false
	}
	sub.closed = true
	close(sub.send)
	delete(s.subs, sub)
	if m, ok := s.members[sub.peerID]; ok && sub.role != proto.RoleObserver {
		m.conns--
	}
	if sub.role == proto.RoleHost && s.hostConns > 0 {
		s.hostConns--
		if s.hostConns == 0 {
			s.hostSeen = s.now()
			logger.Info("coord: host disconnected, grace period started", logger.String("session", s.id))
		}
	}
	return true
}

func (s *session) membersMsgLocked() proto.Message {
	return proto.Message{Type: proto.TypeMembers, Session: s.id, Seq: s.seq, Members: s.membersLocked(), TS: proto.NowMillis()}
}

// endLocked tears the session down: ended broadcast, every subscriber
// closed, membership cleared.
func (s *session) endLocked(reason string) {
	if s.ended {
		return
	}
	s.ended = true
	msg := proto.Message{Type: proto.TypeEnded, Session: s.id, Seq: s.seq, Error: reason, TS: proto.NowMillis()}
	for sub := range s.subs {
		select {
		case sub.send <- msg:
		default:
		}
		s.dropLocked(sub)
	}
	s.members = map[string]*member{}
	s.hostConns = 0
}

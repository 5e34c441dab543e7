package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/util"
)

// Mirror persists session snapshots so a restarted coordinator can pick
// sessions back up. Writes are best effort; the hub's memory is authoritative.
type Mirror interface {
	Save(ctx context.Context, snap proto.Snapshot) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]proto.Snapshot, error)
}

type mirrorOp struct {
	snap   proto.Snapshot
	delete bool
}

func (h *Hub) mirrorSave(snap proto.Snapshot) {
	h.enqueueMirror(mirrorOp{snap: snap})
}

func (h *Hub) mirrorDelete(id string) {
	h.enqueueMirror(mirrorOp{snap: proto.Snapshot{SessionID: id}, delete: true})
}

func (h *Hub) enqueueMirror(op mirrorOp) {
	if h.mirrorCh == nil {
		return
	}
	select {
	case h.mirrorCh <- op:
	default:
		logger.Warn("coord: mirror queue full, dropping write", logger.String("session", op.snap.SessionID))
	}
}

// mirrorLoop applies mirror writes in the order the hub produced them.
func (h *Hub) mirrorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-h.mirrorCh:
			wctx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
			var err error
			if op.delete {
				err = h.opts.Mirror.Delete(wctx, op.snap.SessionID)
			} else {
				err = h.opts.Mirror.Save(wctx, op.snap)
			}
			cancel()
			if err != nil {
				logger.Warn("coord: mirror write failed", logger.String("session", op.snap.SessionID), logger.Err(err))
			}
		}
	}
}

// Restore loads mirrored sessions. Restored sessions start with no live
// connections, so their hosts have one grace period to come back.
func (h *Hub) Restore(ctx context.Context) (int, error) {
	if h.opts.Mirror == nil {
		return 0, nil
	}
	snaps, err := h.opts.Mirror.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	now := h.now()
	n := 0
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, snap := range snaps {
		if snap.Ended || snap.SessionID == "" || now.After(snap.ExpiresAt) {
			continue
		}
		if _, ok := h.sessions[snap.SessionID]; ok {
			continue
		}
		s := newSession(snap.SessionID, snap.HostID, snap.CreatedAt, 0)
		s.hostToken = snap.HostToken
		s.expiresAt = snap.ExpiresAt
		s.hostSeen = now
		s.now = h.now
		s.seq = snap.Seq
		s.legacy = snap.HostID == legacyHostID(snap.SessionID)
		if s.legacy {
			s.hostToken = snap.SessionID
		}
		if snap.Current != nil {
			cur := *snap.Current
			s.current = &cur
		}
		for _, m := range snap.Members {
			s.members[m.PeerID] = &member{role: m.Role, label: m.Label}
		}
		h.sessions[snap.SessionID] = s
		n++
	}
	if n > 0 {
		logger.Info("coord: sessions restored", logger.Int("count", n))
	}
	return n, nil
}

const redisKeyPrefix = "tandem:session:"

// RedisMirror keeps one JSON value per session with a TTL.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisMirror connects to url (redis://...) and checks the connection.
func NewRedisMirror(ctx context.Context, url string, ttl time.Duration) (*RedisMirror, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisMirror{rdb: rdb, ttl: ttl}, nil
}

func (m *RedisMirror) Save(ctx context.Context, snap proto.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, redisKeyPrefix+snap.SessionID, b, m.ttl).Err()
}

func (m *RedisMirror) Delete(ctx context.Context, id string) error {
	return m.rdb.Del(ctx, redisKeyPrefix+id).Err()
}

func (m *RedisMirror) LoadAll(ctx context.Context) ([]proto.Snapshot, error) {
	var out []proto.Snapshot
	iter := m.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := m.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return out, err
		}
		var snap proto.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			logger.Warn("coord: skipping unreadable mirrored session", logger.String("key", iter.Val()), logger.Err(err))
			continue
		}
		out = append(out, snap)
	}
	return out, iter.Err()
}

func (m *RedisMirror) Close() error { return m.rdb.Close() }

// MemoryMirror is an in-process Mirror for tests and single-node setups
// that only want restart-free persistence semantics.
type MemoryMirror struct {
	mu    sync.Mutex
	snaps map[string]proto.Snapshot
}

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{snaps: map[string]proto.Snapshot{}}
}

func (m *MemoryMirror) Save(_ context.Context, snap proto.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Current != nil {
		cur := snap.Current.WithHolder(snap.Current.Holder)
		snap.Current = &cur
	}
	snap.Members = append([]proto.Member(nil), snap.Members...)
	m.snaps[snap.SessionID] = snap
	return nil
}

func (m *MemoryMirror) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, id)
	return nil
}

func (m *MemoryMirror) LoadAll(context.Context) ([]proto.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proto.Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	return out, nil
}

// Get returns the mirrored snapshot for id.
func (m *MemoryMirror) Get(id string) (proto.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[id]
	return s, ok
}

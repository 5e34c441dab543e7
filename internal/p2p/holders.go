package p2p

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/track"
)

// lanTable holds what this node learned on the local network.
type lanTable struct {
	mu      sync.RWMutex
	peers   map[peer.ID][]ma.Multiaddr
	holders map[string]proto.HolderMsg // by session
}

func newLANTable() *lanTable {
	return &lanTable{peers: map[peer.ID][]ma.Multiaddr{}, holders: map[string]proto.HolderMsg{}}
}

func (t *lanTable) sawPeer(pi peer.AddrInfo) {
	if len(pi.Addrs) == 0 {
		return
	}
	t.mu.Lock()
	t.peers[pi.ID] = append([]ma.Multiaddr(nil), pi.Addrs...)
	t.mu.Unlock()
}

func (t *lanTable) addrs(pid peer.ID) []ma.Multiaddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]ma.Multiaddr(nil), t.peers[pid]...)
}

// sawHolder keeps the newest announcement per session.
func (t *lanTable) sawHolder(m proto.HolderMsg) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.holders[m.Session]; ok && old.TS > m.TS {
		return false
	}
	t.holders[m.Session] = m
	return true
}

func (t *lanTable) holder(session string) (proto.HolderMsg, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.holders[session]
	return m, ok
}

// Announce tells LAN peers that this node serves identity for session.
func (n *Node) Announce(ctx context.Context, session, identity string) error {
	msg := proto.HolderMsg{
		PeerID:   n.ID(),
		Session:  session,
		Identity: identity,
		Addrs:    n.Addrs(),
		TS:       proto.NowMillis(),
	}
	b, _ := json.Marshal(msg)
	return n.topic.Publish(ctx, b)
}

// RunHolderLoop consumes holder announcements until ctx ends. Each accepted
// announcement feeds the LAN strategy and is passed to onHolder, if set.
func (n *Node) RunHolderLoop(ctx context.Context, onHolder func(proto.HolderMsg)) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}
			var hm proto.HolderMsg
			if err := json.Unmarshal(m.Data, &hm); err != nil {
				continue
			}
			if hm.PeerID == "" || hm.Session == "" || hm.PeerID == n.ID() {
				continue
			}
			pid, err := peer.Decode(hm.PeerID)
			if err != nil || m.GetFrom() != pid {
				continue
			}
			if !n.lan.sawHolder(hm) {
				continue
			}
			var addrs []ma.Multiaddr
			for _, s := range hm.Addrs {
				if a, err := ma.NewMultiaddr(s); err == nil {
					addrs = append(addrs, a)
				}
			}
			n.lan.sawPeer(peer.AddrInfo{ID: pid, Addrs: addrs})
			logger.Debug("p2p: holder announced",
				logger.String("session", hm.Session),
				logger.String("peer", pid.ShortString()),
				logger.String("track", hm.Identity))
			if onHolder != nil {
				onHolder(hm)
			}
		}
	}()
}

// LANHolder returns the peer last announced for session on the LAN if it
// serves identity.
func (n *Node) LANHolder(session, identity string) (*track.Holder, bool) {
	m, ok := n.lan.holder(session)
	if !ok || m.Identity != identity {
		return nil, false
	}
	return &track.Holder{PeerID: m.PeerID, Addrs: m.Addrs}, true
}

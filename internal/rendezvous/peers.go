package rendezvous

import (
	"sort"
	"sync"
	"time"
)

// PeerAddrs is one peer's published candidate addresses.
type PeerAddrs struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
	TS     int64    `json:"ts"`

	// Set by the server on receipt.
	LastSeen int64 `json:"last_seen,omitempty"`
}

// peerTable keeps the latest addresses per peer until they age out.
type peerTable struct {
	mu    sync.RWMutex
	ttl   time.Duration
	peers map[string]PeerAddrs
	now   func() time.Time

	// Shared store, nil when running in memory only.
	db *peerDB
}

func newPeerTable(ttl time.Duration) *peerTable {
	return &peerTable{ttl: ttl, peers: map[string]PeerAddrs{}, now: time.Now}
}

// upsert keeps the newer of the stored and incoming entries by TS.
func (t *peerTable) upsert(p PeerAddrs) {
	p.LastSeen = t.now().UnixMilli()
	if t.db != nil {
		t.db.upsert(p)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.peers[p.PeerID]; ok && old.TS > p.TS {
		old.LastSeen = p.LastSeen
		t.peers[p.PeerID] = old
		return
	}
	t.peers[p.PeerID] = p
}

func (t *peerTable) get(id string) (PeerAddrs, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if ok && !t.expired(p) {
		return p, true
	}
	if t.db != nil {
		return t.db.get(id, t.minSeen())
	}
	return PeerAddrs{}, false
}

func (t *peerTable) minSeen() int64 {
	return t.now().Add(-t.ttl).UnixMilli()
}

func (t *peerTable) expired(p PeerAddrs) bool {
	return t.now().Sub(time.UnixMilli(p.LastSeen)) > t.ttl
}

// prune drops expired entries and returns how many went.
func (t *peerTable) prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, p := range t.peers {
		if t.expired(p) {
			delete(t.peers, id)
			n++
		}
	}
	if t.db != nil {
		t.db.cleanupStale(t.minSeen())
	}
	return n
}

func (t *peerTable) list() []PeerAddrs {
	t.mu.RLock()
	out := make([]PeerAddrs, 0, len(t.peers))
	for _, p := range t.peers {
		if !t.expired(p) {
			out = append(out, p)
		}
	}
	t.mu.RUnlock()
	if t.db != nil {
		rows, err := t.db.loadFresh(t.minSeen())
		if err == nil {
			out = mergeNewest(out, rows)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// mergeNewest combines two lists, keeping the higher TS per peer.
func mergeNewest(a, b []PeerAddrs) []PeerAddrs {
	byID := make(map[string]PeerAddrs, len(a)+len(b))
	for _, list := range [][]PeerAddrs{a, b} {
		for _, p := range list {
			if old, ok := byID[p.PeerID]; ok && old.TS >= p.TS {
				continue
			}
			byID[p.PeerID] = p
		}
	}
	out := make([]PeerAddrs, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	return out
}

// rateBucket is a fixed-size ring buffer of timestamps for rate limiting.
const rateBucketCap = 60

type rateBucket struct {
	times [rateBucketCap]time.Time
	head  int
	count int
}

// trim drops timestamps at or before cutoff.
func (b *rateBucket) trim(cutoff time.Time) {
	for b.count > 0 {
		if b.times[b.head].After(cutoff) {
			break
		}
		b.head = (b.head + 1) % rateBucketCap
		b.count--
	}
}

// rateLimiter is a per-IP sliding window (rateBucketCap requests per minute).
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]*rateBucket
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{window: time.Minute, buckets: map[string]*rateBucket{}}
}

func (l *rateLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		b = &rateBucket{}
		l.buckets[ip] = b
	}
	b.trim(now.Add(-l.window))
	if b.count >= rateBucketCap {
		return false
	}
	b.times[(b.head+b.count)%rateBucketCap] = now
	b.count++
	return true
}

func (l *rateLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		b.trim(now.Add(-l.window))
		if b.count == 0 {
			delete(l.buckets, ip)
		}
	}
}

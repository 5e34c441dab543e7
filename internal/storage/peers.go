package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// CachedPeer is the last known address set of a remote peer. The direct
// P2P strategy dials these before asking the rendezvous service.
type CachedPeer struct {
	PeerID   string
	Label    string
	Addrs    []string
	LastSeen time.Time
}

// UpsertCachedPeer stores the peer. An empty address list keeps the old addresses.
func (d *DB) UpsertCachedPeer(p CachedPeer) error {
	if p.Addrs == nil {
		p.Addrs = []string{}
	}
	addrs, _ := json.Marshal(p.Addrs)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO peer_cache (peer_id, label, addrs, last_seen)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(peer_id) DO UPDATE SET
			label     = CASE WHEN excluded.label = '' THEN peer_cache.label ELSE excluded.label END,
			addrs     = CASE WHEN excluded.addrs = '[]' THEN peer_cache.addrs ELSE excluded.addrs END,
			last_seen = CURRENT_TIMESTAMP`,
		p.PeerID, p.Label, string(addrs),
	)
	return err
}

// GetCachedPeer returns the last known state for a peer, or false if unknown.
func (d *DB) GetCachedPeer(peerID string) (CachedPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p CachedPeer
	var addrsJSON, lastSeen string
	err := d.db.QueryRow(`
		SELECT peer_id, label, addrs, last_seen FROM peer_cache WHERE peer_id = ?`, peerID).
		Scan(&p.PeerID, &p.Label, &addrsJSON, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return CachedPeer{}, false
	}
	json.Unmarshal([]byte(addrsJSON), &p.Addrs)
	p.LastSeen = parseTimestamp(lastSeen)
	return p, true
}

// PrunePeersOlderThan drops peers not seen since cutoff.
func (d *DB) PrunePeersOlderThan(cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`DELETE FROM peer_cache WHERE last_seen < ?`, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

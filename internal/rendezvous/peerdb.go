package rendezvous

import (
	"database/sql"
	"encoding/json"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/tandem/internal/logger"
)

// peerDB is optional SQLite persistence for announced addresses. Several
// server instances pointed at the same file see each other's peers.
type peerDB struct {
	db *sql.DB
	mu sync.Mutex
}

func openPeerDB(path string) (*peerDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	// WAL so several processes can share the file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS peer_addrs (
		peer_id   TEXT PRIMARY KEY,
		addrs     TEXT NOT NULL DEFAULT '[]',
		ts        INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &peerDB{db: db}, nil
}

// upsert keeps the row with the newer ts, refreshing last_seen either way.
func (p *peerDB) upsert(pa PeerAddrs) {
	b, _ := json.Marshal(pa.Addrs)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.Exec(`INSERT INTO peer_addrs (peer_id, addrs, ts, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			addrs = CASE WHEN excluded.ts >= peer_addrs.ts THEN excluded.addrs ELSE peer_addrs.addrs END,
			ts = MAX(excluded.ts, peer_addrs.ts),
			last_seen = excluded.last_seen`,
		pa.PeerID, string(b), pa.TS, pa.LastSeen)
	if err != nil {
		logger.Warn("rendezvous: peerdb upsert", logger.Err(err))
	}
}

// get returns the stored row for id seen at or after minSeen (unix millis).
func (p *peerDB) get(id string, minSeen int64) (PeerAddrs, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var (
		pa  PeerAddrs
		raw string
	)
	err := p.db.QueryRow(`SELECT peer_id, addrs, ts, last_seen FROM peer_addrs WHERE peer_id = ? AND last_seen >= ?`,
		id, minSeen).Scan(&pa.PeerID, &raw, &pa.TS, &pa.LastSeen)
	if err != nil {
		if err != sql.ErrNoRows {
			logger.Warn("rendezvous: peerdb lookup", logger.Err(err))
		}
		return PeerAddrs{}, false
	}
	if json.Unmarshal([]byte(raw), &pa.Addrs) != nil {
		return PeerAddrs{}, false
	}
	return pa, true
}

// loadFresh returns every row seen at or after minSeen.
func (p *peerDB) loadFresh(minSeen int64) ([]PeerAddrs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.Query(`SELECT peer_id, addrs, ts, last_seen FROM peer_addrs WHERE last_seen >= ?`, minSeen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PeerAddrs
	for rows.Next() {
		var (
			pa  PeerAddrs
			raw string
		)
		if err := rows.Scan(&pa.PeerID, &raw, &pa.TS, &pa.LastSeen); err != nil {
			return nil, err
		}
		if json.Unmarshal([]byte(raw), &pa.Addrs) != nil {
			continue
		}
		result = append(result, pa)
	}
	return result, rows.Err()
}

// cleanupStale removes rows last seen before minSeen.
func (p *peerDB) cleanupStale(minSeen int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.db.Exec(`DELETE FROM peer_addrs WHERE last_seen < ?`, minSeen)
}

func (p *peerDB) close() error {
	return p.db.Close()
}

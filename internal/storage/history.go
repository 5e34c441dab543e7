package storage

import (
	"time"
)

// PlayRecord is one entry of the local play history.
type PlayRecord struct {
	Identity  string
	Origin    string
	SessionID string
	Source    string // how the bytes arrived: local, p2p, youtube, yandex
	PlayedAt  time.Time
}

// AddPlay appends to the history.
func (d *DB) AddPlay(r PlayRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO play_history (identity, origin, session_id, source)
		VALUES (?, ?, ?, ?)`,
		r.Identity, r.Origin, r.SessionID, r.Source,
	)
	return err
}

// RecentPlays returns up to limit entries, newest first.
func (d *DB) RecentPlays(limit int) ([]PlayRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT identity, origin, session_id, source, played_at
		FROM play_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlayRecord
	for rows.Next() {
		var r PlayRecord
		var playedAt string
		if err := rows.Scan(&r.Identity, &r.Origin, &r.SessionID, &r.Source, &playedAt); err != nil {
			return nil, err
		}
		r.PlayedAt = parseTimestamp(playedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// modernc returns DATETIME columns either as "2006-01-02 15:04:05" or RFC3339.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

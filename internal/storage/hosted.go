package storage

import (
	"database/sql"
	"errors"
)

// SaveHostToken remembers the credential the coordinator at endpoint
// issued for a session this peer hosts, so a restart can resume it.
func (d *DB) SaveHostToken(endpoint, sessionID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO hosted_sessions (session_id, endpoint, host_token)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, endpoint) DO UPDATE SET host_token = excluded.host_token`,
		sessionID, endpoint, token,
	)
	return err
}

// HostToken returns the stored credential for the session, or false.
func (d *DB) HostToken(endpoint, sessionID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var token string
	err := d.db.QueryRow(`
		SELECT host_token FROM hosted_sessions WHERE session_id = ? AND endpoint = ?`,
		sessionID, endpoint).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return "", false
	}
	return token, true
}

func (d *DB) DeleteHostToken(endpoint, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM hosted_sessions WHERE session_id = ? AND endpoint = ?`, sessionID, endpoint)
	return err
}

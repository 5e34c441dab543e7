package storage

import (
	"database/sql"
	"errors"

	"github.com/petervdpas/tandem/internal/track"
)

// LibraryTrack is a local audio file with its content identity.
type LibraryTrack struct {
	Track       track.Track
	Path        string
	Size        int64
	Format      string
	Bitrate     int // kbit/s, 0 when unknown
	AudioOffset int64
	ModTime     int64 // unix seconds
}

// UpsertTrack stores or replaces the row for a library file.
func (d *DB) UpsertTrack(t LibraryTrack) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// A file whose content changed gets a new identity; drop the old row for the path.
	if _, err := tx.Exec(`DELETE FROM tracks WHERE path = ? AND identity <> ?`, t.Path, t.Track.Identity()); err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO tracks
			(identity, provider, track_id, title, artist, duration_ms, path, size, format, bitrate, audio_offset, mtime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			title        = excluded.title,
			artist       = excluded.artist,
			duration_ms  = excluded.duration_ms,
			path         = excluded.path,
			size         = excluded.size,
			format       = excluded.format,
			bitrate      = excluded.bitrate,
			audio_offset = excluded.audio_offset,
			mtime        = excluded.mtime`,
		t.Track.Identity(), string(t.Track.Provider), t.Track.ID, t.Track.Title, t.Track.Artist, t.Track.DurationMs,
		t.Path, t.Size, t.Format, t.Bitrate, t.AudioOffset, t.ModTime,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const trackColumns = `provider, track_id, title, artist, duration_ms, path, size, format, bitrate, audio_offset, mtime`

func scanTrack(row interface{ Scan(...any) error }) (LibraryTrack, error) {
	var t LibraryTrack
	var provider string
	err := row.Scan(&provider, &t.Track.ID, &t.Track.Title, &t.Track.Artist, &t.Track.DurationMs,
		&t.Path, &t.Size, &t.Format, &t.Bitrate, &t.AudioOffset, &t.ModTime)
	t.Track.Provider = track.Provider(provider)
	return t, err
}

// TrackByIdentity looks up a library file by "provider:id".
func (d *DB) TrackByIdentity(identity string) (LibraryTrack, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, err := scanTrack(d.db.QueryRow(`SELECT `+trackColumns+` FROM tracks WHERE identity = ?`, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return LibraryTrack{}, false, nil
	}
	if err != nil {
		return LibraryTrack{}, false, err
	}
	return t, true, nil
}

// TrackByPath looks up a library file by absolute path.
func (d *DB) TrackByPath(path string) (LibraryTrack, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, err := scanTrack(d.db.QueryRow(`SELECT `+trackColumns+` FROM tracks WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return LibraryTrack{}, false, nil
	}
	if err != nil {
		return LibraryTrack{}, false, err
	}
	return t, true, nil
}

// DeleteTrackByPath removes a file that disappeared from the library.
func (d *DB) DeleteTrackByPath(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM tracks WHERE path = ?`, path)
	return err
}

// ListTracks returns every indexed file ordered by path.
func (d *DB) ListTracks() ([]LibraryTrack, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT ` + trackColumns + ` FROM tracks ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LibraryTrack
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

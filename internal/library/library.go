// Package library indexes the local music folder and the download folder.
// Every audio file gets a content identity ("local:<blake2b>") unless it was
// downloaded for a known provider track, in which case it keeps that identity.
package library

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/storage"
	"github.com/petervdpas/tandem/internal/track"
)

// Library is safe for concurrent use.
type Library struct {
	roots []string
	db    *storage.DB

	mu sync.Mutex // serializes indexing
}

// New indexes files under roots into db. Roots that do not exist are created.
func New(db *storage.DB, roots ...string) (*Library, error) {
	l := &Library{db: db}
	for _, r := range roots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create library dir: %w", err)
		}
		l.roots = append(l.roots, abs)
	}
	return l, nil
}

// Roots returns the absolute indexed directories.
func (l *Library) Roots() []string { return append([]string(nil), l.roots...) }

// Contains reports whether path lies inside one of the roots.
func (l *Library) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, r := range l.roots {
		if rel, err := filepath.Rel(r, abs); err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

// Scan walks every root, indexes new or changed files and drops rows for
// files that disappeared. Returns the number of files (re)indexed.
func (l *Library) Scan(ctx context.Context) (int, error) {
	seen := make(map[string]bool)
	indexed := 0
	for _, root := range l.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !IsAudioFile(path) {
				return nil
			}
			seen[path] = true
			changed, err := l.indexIfChanged(path)
			if err != nil {
				logger.Warn("library: index failed", logger.String("path", path), logger.Err(err))
				return nil
			}
			if changed {
				indexed++
			}
			return nil
		})
		if err != nil {
			return indexed, err
		}
	}

	all, err := l.db.ListTracks()
	if err != nil {
		return indexed, err
	}
	for _, t := range all {
		if !seen[t.Path] {
			if err := l.db.DeleteTrackByPath(t.Path); err != nil {
				return indexed, err
			}
		}
	}
	logger.Info("library: scan complete", logger.Int("indexed", indexed), logger.Int("files", len(seen)))
	return indexed, nil
}

func (l *Library) indexIfChanged(path string) (bool, error) {
	st, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if row, ok, err := l.db.TrackByPath(path); err == nil && ok &&
		row.Size == st.Size() && row.ModTime == st.ModTime().Unix() {
		return false, nil
	}
	_, err = l.Index(path)
	return err == nil, err
}

// Index probes a file and stores it under its content identity.
func (l *Library) Index(path string) (storage.LibraryTrack, error) {
	return l.index(path, nil)
}

// IndexAs stores a file under a known provider identity. Used when a
// transfer for that track completes into the download folder.
func (l *Library) IndexAs(path string, t track.Track) (storage.LibraryTrack, error) {
	return l.index(path, &t)
}

func (l *Library) index(path string, known *track.Track) (storage.LibraryTrack, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return storage.LibraryTrack{}, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return storage.LibraryTrack{}, err
	}
	info, perr := Probe(abs)
	if perr != nil && info.Format == "" {
		return storage.LibraryTrack{}, perr
	}

	var t track.Track
	if known != nil {
		t = *known
	} else {
		id, err := ContentID(abs, info.AudioOffset)
		if err != nil {
			return storage.LibraryTrack{}, err
		}
		t = track.Track{Provider: track.ProviderLocal, ID: id}
	}
	if t.Title == "" {
		t.Title = info.Title
	}
	if t.Artist == "" {
		t.Artist = info.Artist
	}
	if t.Title == "" {
		artist, title := titleFromFilename(abs)
		t.Title = title
		if t.Artist == "" {
			t.Artist = artist
		}
	}
	if t.DurationMs == 0 {
		t.DurationMs = info.DurationMs
	}
	t.URL = "file://" + filepath.ToSlash(abs)

	lt := storage.LibraryTrack{
		Track:       t,
		Path:        abs,
		Size:        st.Size(),
		Format:      info.Format,
		Bitrate:     info.Bitrate,
		AudioOffset: info.AudioOffset,
		ModTime:     st.ModTime().Unix(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.UpsertTrack(lt); err != nil {
		return storage.LibraryTrack{}, err
	}
	logger.Debug("library: indexed", logger.String("identity", t.Identity()), logger.String("path", abs))
	return lt, nil
}

// titleFromFilename splits "Artist - Title.ext".
func titleFromFilename(path string) (artist, title string) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if a, t, ok := strings.Cut(base, " - "); ok {
		return strings.TrimSpace(a), strings.TrimSpace(t)
	}
	return "", base
}

// Lookup finds a file by track identity.
func (l *Library) Lookup(identity string) (storage.LibraryTrack, bool) {
	t, ok, err := l.db.TrackByIdentity(identity)
	if err != nil {
		logger.Warn("library: lookup failed", logger.String("identity", identity), logger.Err(err))
		return storage.LibraryTrack{}, false
	}
	return t, ok
}

// ByPath finds a file by absolute path.
func (l *Library) ByPath(path string) (storage.LibraryTrack, bool) {
	t, ok, err := l.db.TrackByPath(path)
	if err != nil {
		return storage.LibraryTrack{}, false
	}
	return t, ok
}

// Watch keeps the index current until ctx is done. Writes are coalesced so
// a file being copied in is indexed once it settles.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range l.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}

	const settle = 750 * time.Millisecond
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}
			if !IsAudioFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				pending[event.Name] = time.Now().Add(settle)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				delete(pending, event.Name)
				if err := l.db.DeleteTrackByPath(event.Name); err != nil {
					logger.Warn("library: remove failed", logger.String("path", event.Name), logger.Err(err))
				}
			}
		case <-ticker.C:
			now := time.Now()
			for path, due := range pending {
				if now.Before(due) {
					continue
				}
				delete(pending, path)
				if _, err := l.indexIfChanged(path); err != nil {
					logger.Warn("library: index failed", logger.String("path", path), logger.Err(err))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("library: watcher error", logger.Err(err))
		}
	}
}

// Package hook reads the operating system's now-playing media session.
package hook

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/petervdpas/tandem/internal/provider/youtube"
	"github.com/petervdpas/tandem/internal/storage"
	"github.com/petervdpas/tandem/internal/track"
)

// Metadata is what a media session exposes about its current item.
type Metadata struct {
	Player     string
	Title      string
	Artist     string
	URL        string
	LengthMs   int64
	PositionMs int64
	Status     track.Status
}

// Reader is the platform media-session binding.
type Reader interface {
	Read(ctx context.Context) (Metadata, bool, error)
}

// Library resolves file URLs to indexed tracks.
type Library interface {
	Contains(path string) bool
	ByPath(path string) (storage.LibraryTrack, bool)
}

type Adapter struct {
	r   Reader
	lib Library
	now func() time.Time
}

// New uses the platform reader. lib may be nil.
func New(lib Library) *Adapter {
	return NewWithReader(newPlatformReader(), lib)
}

func NewWithReader(r Reader, lib Library) *Adapter {
	return &Adapter{r: r, lib: lib, now: time.Now}
}

func (a *Adapter) Name() string         { return "hook" }
func (a *Adapter) Origin() track.Origin { return track.OriginStreamingHook }

// Fetch reports playing and paused sessions. A stopped session is absent.
func (a *Adapter) Fetch(ctx context.Context) (track.PlaybackState, bool, error) {
	m, ok, err := a.r.Read(ctx)
	if err != nil || !ok || m.Status == track.StatusStopped {
		return track.PlaybackState{}, false, err
	}
	t, origin := Identify(m, a.lib)
	if t.ID == "" {
		return track.PlaybackState{}, false, nil
	}
	return track.NewState(t, origin, m.PositionMs, m.Status == track.StatusPlaying, a.now()), true, nil
}

// Identify derives a track identity from session metadata. A YouTube page
// becomes youtube:<id>, a library file keeps its indexed identity and the
// local-folder origin, anything else is named by "artist - title".
func Identify(m Metadata, lib Library) (track.Track, track.Origin) {
	t := track.Track{Title: m.Title, Artist: m.Artist, DurationMs: m.LengthMs, URL: m.URL}

	if id, ok := youtube.VideoID(m.URL); ok {
		t.Provider, t.ID = track.ProviderYouTube, id
		return t, track.OriginStreamingHook
	}

	if lib != nil && strings.HasPrefix(m.URL, "file://") {
		if u, err := url.Parse(m.URL); err == nil {
			p := filepath.Clean(u.Path)
			if lib.Contains(p) {
				if lt, ok := lib.ByPath(p); ok {
					newer := t
					newer.Provider, newer.ID = lt.Track.Provider, lt.Track.ID
					return lt.Track.Reconcile(newer), track.OriginLocalFolder
				}
			}
		}
	}

	if m.Title == "" {
		return t, track.OriginStreamingHook
	}
	t.Provider, t.ID = track.ProviderLocal, t.Display()
	return t, track.OriginStreamingHook
}

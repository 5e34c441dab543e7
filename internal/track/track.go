package track

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider names the catalogue a track identity belongs to.
type Provider string

const (
	ProviderYouTube Provider = "youtube"
	ProviderYandex  Provider = "yandex"
	ProviderSpotify Provider = "spotify"
	ProviderLocal   Provider = "local"
)

// Origin tags where a track was detected on the host.
type Origin int

const (
	OriginUnknown Origin = iota
	OriginLocalFolder
	OriginStreamingHook
	OriginProviderAPI
)

var originNames = map[Origin]string{
	OriginUnknown:       "unknown",
	OriginLocalFolder:   "local_folder",
	OriginStreamingHook: "streaming_hook",
	OriginProviderAPI:   "provider_api",
}

func (o Origin) String() string {
	if s, ok := originNames[o]; ok {
		return s
	}
	return fmt.Sprintf("origin(%d)", int(o))
}

// ParseOrigin maps the wire name back to an Origin.
func ParseOrigin(s string) (Origin, error) {
	for o, name := range originNames {
		if name == s {
			return o, nil
		}
	}
	return OriginUnknown, fmt.Errorf("unknown origin %q", s)
}

func (o Origin) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Origin) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseOrigin(s)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Track is a piece of music. Two tracks with the same Identity are
// interchangeable for playback even if their metadata differs.
type Track struct {
	Provider   Provider `json:"provider"`
	ID         string   `json:"id"`
	Title      string   `json:"title,omitempty"`
	Artist     string   `json:"artist,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`

	// URL is a provider page or file URL when the detector saw one.
	URL string `json:"url,omitempty"`
}

// Identity is the provider-qualified id, e.g. "youtube:dQw4w9WgXcQ".
func (t Track) Identity() string {
	if t.ID == "" {
		return ""
	}
	return string(t.Provider) + ":" + t.ID
}

// SameIdentity reports whether both tracks name the same piece of music.
func (t Track) SameIdentity(o Track) bool {
	return t.Identity() != "" && t.Identity() == o.Identity()
}

// Reconcile merges metadata from a newer observation of the same track.
// Identity is never changed; non-empty newer fields win.
func (t Track) Reconcile(newer Track) Track {
	if !t.SameIdentity(newer) {
		return t
	}
	out := t
	if newer.Title != "" {
		out.Title = newer.Title
	}
	if newer.Artist != "" {
		out.Artist = newer.Artist
	}
	if newer.DurationMs > 0 {
		out.DurationMs = newer.DurationMs
	}
	if newer.URL != "" {
		out.URL = newer.URL
	}
	return out
}

// Display renders "Artist - Title", falling back to the identity.
func (t Track) Display() string {
	switch {
	case t.Artist != "" && t.Title != "":
		return t.Artist + " - " + t.Title
	case t.Title != "":
		return t.Title
	default:
		return t.Identity()
	}
}

// ParseIdentity splits "provider:id".
func ParseIdentity(s string) (Provider, string, error) {
	p, id, ok := strings.Cut(s, ":")
	if !ok || p == "" || id == "" {
		return "", "", fmt.Errorf("invalid track identity %q", s)
	}
	return Provider(p), id, nil
}

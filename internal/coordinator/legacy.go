package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/track"
)

// The polling surface used by hosts and followers that speak plain HTTP:
//
//	GET  /host/create[/{uid}]  -> {"token": "<room>"}
//	POST /host/update/{room}   form field "json" or a JSON body holding an Update
//	GET  /update/{room}        -> Instance
//
// The room token is the session id and is the only credential the host has.

type legacyTrack struct {
	Source     string `json:"source"`
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	DurationMs int64  `json:"duration_ms"`
}

type legacyPlayback struct {
	State      string  `json:"state"`
	PositionMs int64   `json:"position_ms"`
	UpdatedAt  float64 `json:"updated_at"`
}

type legacyUpdate struct {
	Track    legacyTrack    `json:"track"`
	Playback legacyPlayback `json:"playback"`
}

type legacyInstance struct {
	UID        string         `json:"uid"`
	ExpiresAt  float64        `json:"expires_at"`
	Track      *legacyTrack   `json:"track"`
	Playback   legacyPlayback `json:"playback"`
	HostRecvTS float64        `json:"host_recv_ts"`
}

var legacySources = map[string]track.Provider{
	"Youtube": track.ProviderYouTube,
	"Yandex":  track.ProviderYandex,
	"Spotify": track.ProviderSpotify,
	"Local":   track.ProviderLocal,
}

func sourceToProvider(s string) (track.Provider, error) {
	if p, ok := legacySources[s]; ok {
		return p, nil
	}
	for _, p := range legacySources {
		if strings.EqualFold(string(p), s) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

func providerToSource(p track.Provider) string {
	for s, v := range legacySources {
		if v == p {
			return s
		}
	}
	return string(p)
}

func unixSeconds(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

func toUnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// toState converts an Update to a playback state.
func (u legacyUpdate) toState() (track.PlaybackState, error) {
	p, err := sourceToProvider(u.Track.Source)
	if err != nil {
		return track.PlaybackState{}, err
	}
	if u.Track.ID == "" {
		return track.PlaybackState{}, fmt.Errorf("track id is empty")
	}
	st := track.PlaybackState{
		Track: track.Track{
			Provider:   p,
			ID:         u.Track.ID,
			Title:      u.Track.Title,
			Artist:     u.Track.Artist,
			DurationMs: u.Track.DurationMs,
		},
		PositionMs: u.Playback.PositionMs,
		ObservedAt: unixSeconds(u.Playback.UpdatedAt),
	}
	switch u.Playback.State {
	case "Playing":
		st.Status, st.Playing = track.StatusPlaying, true
	case "Paused":
		st.Status = track.StatusPaused
	case "Stopped":
		st.Status = track.StatusStopped
	default:
		return track.PlaybackState{}, fmt.Errorf("unknown playback state %q", u.Playback.State)
	}
	return st, nil
}

func fromState(st *track.PlaybackState) (*legacyTrack, legacyPlayback) {
	if st == nil {
		return nil, legacyPlayback{State: "Stopped", UpdatedAt: toUnixSeconds(time.Now())}
	}
	lt := &legacyTrack{
		Source:     providerToSource(st.Track.Provider),
		ID:         st.Track.ID,
		Title:      st.Track.Title,
		Artist:     st.Track.Artist,
		DurationMs: st.Track.DurationMs,
	}
	state := "Paused"
	switch {
	case st.Status == track.StatusStopped:
		state = "Stopped"
	case st.Playing:
		state = "Playing"
	}
	return lt, legacyPlayback{State: state, PositionMs: st.PositionMs, UpdatedAt: toUnixSeconds(st.ObservedAt)}
}

func instanceFrom(snap proto.Snapshot) legacyInstance {
	lt, pb := fromState(snap.Current)
	recv := snap.CreatedAt
	if snap.Current != nil {
		recv = snap.Current.ObservedAt
	}
	return legacyInstance{
		UID:        snap.SessionID,
		ExpiresAt:  toUnixSeconds(snap.ExpiresAt),
		Track:      lt,
		Playback:   pb,
		HostRecvTS: toUnixSeconds(recv),
	}
}

func (s *Server) handleLegacyCreate(w http.ResponseWriter, r *http.Request) {
	snap, err := s.hub.CreateLegacy(mux.Vars(r)["uid"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": snap.SessionID})
}

func (s *Server) handleLegacyUpdate(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var raw []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		raw = b
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		raw = []byte(r.PostForm.Get("json"))
	}

	var u legacyUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		http.Error(w, "bad update: "+err.Error(), http.StatusBadRequest)
		return
	}
	st, err := u.toState()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	seq, err := s.hub.Publish(room, legacyHostID(room), st)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "seq": seq})
}

func (s *Server) handleLegacyPoll(w http.ResponseWriter, r *http.Request) {
	snap, err := s.hub.Snapshot(mux.Vars(r)["room"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceFrom(snap))
}

package track

import (
	"fmt"
	"time"
)

// Status is the coarse player state.
type Status string

const (
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// Holder is a peer that offered to serve the track over P2P.
type Holder struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs,omitempty"`
}

// PlaybackState is an immutable snapshot of what the host is playing.
// New observations produce new values; nothing mutates a published one.
type PlaybackState struct {
	Track      Track     `json:"track"`
	Origin     Origin    `json:"origin"`
	PositionMs int64     `json:"position_ms"`
	Playing    bool      `json:"playing"`
	Status     Status    `json:"status"`
	ObservedAt time.Time `json:"observed_at"`
	Holder     *Holder   `json:"holder,omitempty"`
}

// NewState builds a snapshot with Status derived from playing.
func NewState(t Track, origin Origin, positionMs int64, playing bool, at time.Time) PlaybackState {
	st := StatusPaused
	if playing {
		st = StatusPlaying
	}
	return PlaybackState{
		Track:      t,
		Origin:     origin,
		PositionMs: positionMs,
		Playing:    playing,
		Status:     st,
		ObservedAt: at,
	}
}

// PositionAt extrapolates the position to t. While playing the position
// advances with wall time and is clamped to the track duration.
func (s PlaybackState) PositionAt(t time.Time) int64 {
	pos := s.PositionMs
	if s.Playing && t.After(s.ObservedAt) {
		pos += t.Sub(s.ObservedAt).Milliseconds()
	}
	if s.Track.DurationMs > 0 && pos > s.Track.DurationMs {
		pos = s.Track.DurationMs
	}
	if pos < 0 {
		pos = 0
	}
	return pos
}

// Finished reports whether extrapolation runs past the end of the track.
func (s PlaybackState) Finished(t time.Time) bool {
	if s.Track.DurationMs <= 0 || !s.Playing {
		return false
	}
	return s.PositionMs+t.Sub(s.ObservedAt).Milliseconds() > s.Track.DurationMs
}

// StartedAt is the wall-clock instant position zero would have played.
func (s PlaybackState) StartedAt() time.Time {
	return s.ObservedAt.Add(-time.Duration(s.PositionMs) * time.Millisecond)
}

// Drift is how far s deviates from where prev predicts it should be.
func (s PlaybackState) Drift(prev PlaybackState) time.Duration {
	d := time.Duration(s.PositionMs-prev.PositionAt(s.ObservedAt)) * time.Millisecond
	if d < 0 {
		d = -d
	}
	return d
}

// Equivalent reports whether two snapshots describe the same playback:
// same identity and status, and, while playing, start times within tolerance.
// Paused or stopped snapshots must agree on position within tolerance.
func (s PlaybackState) Equivalent(o PlaybackState, tolerance time.Duration) bool {
	if !s.Track.SameIdentity(o.Track) || s.Status != o.Status || s.Playing != o.Playing {
		return false
	}
	if s.Playing {
		d := s.StartedAt().Sub(o.StartedAt())
		if d < 0 {
			d = -d
		}
		return d <= tolerance
	}
	d := time.Duration(s.PositionMs-o.PositionMs) * time.Millisecond
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// WithHolder returns a copy naming the peer that can serve the track.
func (s PlaybackState) WithHolder(h *Holder) PlaybackState {
	out := s
	if h != nil {
		cp := *h
		cp.Addrs = append([]string(nil), h.Addrs...)
		out.Holder = &cp
	} else {
		out.Holder = nil
	}
	return out
}

// WithTrack returns a copy with the track replaced.
func (s PlaybackState) WithTrack(t Track) PlaybackState {
	out := s
	out.Track = t
	return out
}

// Normalize fills Status from Playing (or the reverse) and marks states
// that ran past the track end as stopped.
func (s PlaybackState) Normalize() PlaybackState {
	out := s
	switch {
	case out.Status == "" && out.Playing:
		out.Status = StatusPlaying
	case out.Status == "":
		out.Status = StatusPaused
	case out.Status == StatusPlaying:
		out.Playing = true
	default:
		out.Playing = false
	}
	if out.Track.DurationMs > 0 && out.PositionMs > out.Track.DurationMs {
		out.PositionMs = out.Track.DurationMs
		out.Playing = false
		out.Status = StatusStopped
	}
	return out
}

// Format is the one-line human description used in logs.
func (s PlaybackState) Format() string {
	verb := "Now playing"
	if !s.Playing {
		verb = "Now paused"
	}
	return fmt.Sprintf("%s: %s [%.1f / %.1f], started at %s",
		verb, s.Track.Display(),
		float64(s.PositionMs)/1000, float64(s.Track.DurationMs)/1000,
		s.StartedAt().Format("15:04:05"))
}

// Package resolver turns a detected playback state into the ordered list of
// delivery paths a follower tries. Resolve is pure: no I/O, no randomness.
package resolver

import (
	"fmt"

	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

type Kind int

const (
	KindDirect Kind = iota + 1
	KindP2P
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindP2P:
		return "p2p"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Candidate is one (content source, transport) pairing.
type Candidate struct {
	Kind     Kind
	Provider track.Provider // set for KindDirect
	Priority int            // 0 is tried first
}

// Key names the candidate the way config does ("p2p", "youtube", "yandex").
func (c Candidate) Key() string {
	if c.Kind == KindP2P {
		return config.DownloadP2P
	}
	return string(c.Provider)
}

func (c Candidate) String() string {
	if c.Kind == KindP2P {
		return "p2p"
	}
	return "direct/" + string(c.Provider)
}

var (
	p2p     = Candidate{Kind: KindP2P}
	youtube = Candidate{Kind: KindDirect, Provider: track.ProviderYouTube}
	yandex  = Candidate{Kind: KindDirect, Provider: track.ProviderYandex}
)

// order is the static candidate table by origin.
var order = map[track.Origin][]Candidate{
	track.OriginLocalFolder:   {p2p, youtube, yandex},
	track.OriginStreamingHook: {youtube, yandex},
	track.OriginProviderAPI:   {youtube, yandex},
}

// Resolve filters the origin's table by the enabled download sources and
// renumbers priorities. P2P is dropped when no peer offered to serve the
// track. An empty result is ErrNoAvailableSource.
func Resolve(state track.PlaybackState, cfg config.SourceConfig) ([]Candidate, error) {
	row, ok := order[state.Origin]
	if !ok {
		return nil, fmt.Errorf("origin %s: %w", state.Origin, syncerr.ErrNoAvailableSource)
	}
	out := make([]Candidate, 0, len(row))
	for _, c := range row {
		if !cfg.DownloadEnabled(c.Key()) {
			continue
		}
		if c.Kind == KindP2P && (state.Holder == nil || state.Holder.PeerID == "") {
			continue
		}
		c.Priority = len(out)
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s from %s: %w", state.Track.Identity(), state.Origin, syncerr.ErrNoAvailableSource)
	}
	return out, nil
}

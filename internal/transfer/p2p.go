package transfer

import (
	"context"
	"errors"
	"io"

	"github.com/petervdpas/tandem/internal/resolver"
	"github.com/petervdpas/tandem/internal/track"
)

// PeerDialer reaches a holder through the NAT traversal strategy chain and
// opens the track protocol.
type PeerDialer interface {
	FetchTrack(ctx context.Context, holder track.Holder, identity string, offsetMs int64) (io.ReadCloser, error)
}

// P2PFetcher streams from the peer named in state.Holder.
type P2PFetcher struct {
	dialer PeerDialer
}

func NewP2PFetcher(d PeerDialer) *P2PFetcher {
	return &P2PFetcher{dialer: d}
}

func (p *P2PFetcher) Fetch(ctx context.Context, state track.PlaybackState, c resolver.Candidate) (io.ReadCloser, error) {
	if state.Holder == nil || state.Holder.PeerID == "" {
		return nil, errors.New("no holder for track")
	}
	return p.dialer.FetchTrack(ctx, *state.Holder, state.Track.Identity(), 0)
}

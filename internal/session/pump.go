package session

import (
	"context"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

// Observer receives a session's coordinator updates in order.
type Observer interface {
	// OnSnapshot carries the full session view. It arrives first after
	// every (re)connect and replaces whatever the observer knew.
	OnSnapshot(snap proto.Snapshot)
	// OnState carries a publish; seq increases with every publish.
	OnState(st track.PlaybackState, seq uint64)
	OnMembers(members []proto.Member)
	OnEnded(reason string)
}

// Role is a client's part in a session: *Host or *Follower.
type Role interface {
	Observer
	Name() string
}

// Pump feeds updates to obs until the channel closes, ctx ends or the
// session ends. It returns syncerr.ErrSessionEnded in the last case.
func Pump(ctx context.Context, updates <-chan proto.Message, obs Observer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			switch msg.Type {
			case proto.TypeSnapshot:
				if msg.Snapshot == nil {
					continue
				}
				obs.OnSnapshot(*msg.Snapshot)
				if msg.Snapshot.Ended {
					obs.OnEnded("ended")
					return syncerr.ErrSessionEnded
				}
			case proto.TypeState:
				if msg.State != nil {
					obs.OnState(*msg.State, msg.Seq)
				}
			case proto.TypeMembers:
				obs.OnMembers(msg.Members)
			case proto.TypeEnded:
				obs.OnEnded(msg.Error)
				return syncerr.ErrSessionEnded
			default:
				logger.Debug("session: ignoring message", logger.String("type", msg.Type))
			}
		}
	}
}

// Package session holds the client side of a shared listening session: the
// explicit session context and the two roles a client can play in it. The
// host publishes what its detector sees; a follower turns coordinator
// updates into transfers and player commands. Both observe the same stream
// of coordinator messages through Pump.
package session

import (
	"errors"

	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/invite"
	"github.com/petervdpas/tandem/internal/util"
)

// Context identifies one membership in one session. It is passed to every
// component that needs it; nothing about the current session is global.
type Context struct {
	SessionID string
	PeerID    string
	Endpoint  string
	Sources   config.SourceConfig
}

func (c Context) Validate() error {
	if _, err := util.ValidateSessionID(c.SessionID); err != nil {
		return err
	}
	if c.PeerID == "" {
		return errors.New("session: peer id is empty")
	}
	if c.Endpoint == "" {
		return errors.New("session: endpoint is empty")
	}
	return nil
}

// Link is the invite for this session.
func (c Context) Link() invite.Link {
	return invite.Link{SessionID: c.SessionID, Endpoint: c.Endpoint}
}

// Invite returns the shareable tandem:// link.
func (c Context) Invite() string {
	return invite.Encode(c.Link())
}

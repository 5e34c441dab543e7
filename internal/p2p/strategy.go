package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/tandem/internal/storage"
	"github.com/petervdpas/tandem/internal/track"
)

var (
	errNoAddrs    = errors.New("no known addresses")
	errNoRelay    = errors.New("no relay configured")
	errNotOnLAN   = errors.New("peer not seen on the LAN")
	errDialSelf   = errors.New("cannot dial self")
	errNoStrategy = errors.New("no strategy configured")
)

// PeerCache remembers addresses that worked before. *storage.DB satisfies it.
type PeerCache interface {
	GetCachedPeer(peerID string) (storage.CachedPeer, bool)
	UpsertCachedPeer(p storage.CachedPeer) error
}

// PeerLookup asks the rendezvous service for announced addresses.
// *rendezvous.Client satisfies it.
type PeerLookup interface {
	LookupPeer(ctx context.Context, peerID string) ([]string, bool, error)
}

// Strategy is one way of reaching a holder. Connect runs under a context
// already bounded by Timeout.
type Strategy interface {
	Name() string
	Timeout() time.Duration
	Connect(ctx context.Context, pid peer.ID, target track.Holder) error
}

// Dial connects to target trying each strategy in order and returns the name
// of the one that worked. An existing connection short-circuits the chain.
func (n *Node) Dial(ctx context.Context, target track.Holder) (string, error) {
	pid, err := peer.Decode(target.PeerID)
	if err != nil {
		return "", fmt.Errorf("holder peer id: %w", err)
	}
	if pid == n.Host.ID() {
		return "", errDialSelf
	}
	if n.Host.Network().Connectedness(pid) == network.Connected {
		return "connected", nil
	}
	if len(n.strategies) == 0 {
		return "", errNoStrategy
	}

	var errs []error
	for _, s := range n.strategies {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, s.Timeout())
		err := s.Connect(sctx, pid, target)
		cancel()
		if err == nil {
			n.diag("dial %s: %s ok in %s", pid.ShortString(), s.Name(), time.Since(start).Round(time.Millisecond))
			n.rememberPeer(pid)
			return s.Name(), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		n.diag("dial %s: %s failed: %v", pid.ShortString(), s.Name(), err)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return "", fmt.Errorf("dial %s: %w", pid.ShortString(), errors.Join(errs...))
}

// rememberPeer stores the direct addresses of live connections to pid.
func (n *Node) rememberPeer(pid peer.ID) {
	if n.cache == nil {
		return
	}
	var addrs []string
	for _, c := range n.Host.Network().ConnsToPeer(pid) {
		if a := c.RemoteMultiaddr(); !isCircuitAddr(a) {
			addrs = append(addrs, a.String())
		}
	}
	if len(addrs) == 0 {
		return
	}
	_ = n.cache.UpsertCachedPeer(storage.CachedPeer{PeerID: pid.String(), Addrs: addrs})
}

// directStrategy dials the holder's own, cached and rendezvous-announced
// direct addresses.
type directStrategy struct {
	n       *Node
	timeout time.Duration
}

func (s *directStrategy) Name() string           { return "direct" }
func (s *directStrategy) Timeout() time.Duration { return s.timeout }

func (s *directStrategy) Connect(ctx context.Context, pid peer.ID, target track.Holder) error {
	addrs := directOnly(target.Addrs)
	if s.n.cache != nil {
		if cp, ok := s.n.cache.GetCachedPeer(pid.String()); ok {
			addrs = append(addrs, directOnly(cp.Addrs)...)
		}
	}
	if s.n.lookup != nil {
		if found, ok, err := s.n.lookup.LookupPeer(ctx, pid.String()); err == nil && ok {
			addrs = append(addrs, directOnly(found)...)
		}
	}
	if len(addrs) == 0 {
		return errNoAddrs
	}
	return s.n.Host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: addrs})
}

// relayStrategy dials through the circuit relay, with hole punching
// upgrading the connection when the NATs allow it.
type relayStrategy struct {
	n       *Node
	timeout time.Duration
}

func (s *relayStrategy) Name() string           { return "relay" }
func (s *relayStrategy) Timeout() time.Duration { return s.timeout }

func (s *relayStrategy) Connect(ctx context.Context, pid peer.ID, target track.Holder) error {
	if s.n.relayPeer == nil {
		return errNoRelay
	}
	if err := s.n.nudgeRelay(ctx); err != nil {
		return fmt.Errorf("reach relay: %w", err)
	}
	s.n.addPeerAddrs(pid, target.Addrs, false)
	s.n.injectRelayAddrs(pid)
	return s.n.Host.Connect(network.WithUseTransient(ctx, "tandem-track"), peer.AddrInfo{ID: pid})
}

// lanStrategy dials addresses learned from mDNS and holder announcements.
type lanStrategy struct {
	n       *Node
	timeout time.Duration
}

func (s *lanStrategy) Name() string           { return "lan" }
func (s *lanStrategy) Timeout() time.Duration { return s.timeout }

func (s *lanStrategy) Connect(ctx context.Context, pid peer.ID, _ track.Holder) error {
	addrs := s.n.lan.addrs(pid)
	if len(addrs) == 0 {
		return errNotOnLAN
	}
	return s.n.Host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: addrs})
}

// directOnly parses addrs and drops circuit addresses.
func directOnly(addrs []string) []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil || isCircuitAddr(a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

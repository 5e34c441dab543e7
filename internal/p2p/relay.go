package p2p

// Circuit relay lifecycle: detection, recovery, address injection and the
// rendezvous address publisher.

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	relayv2client "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/rendezvous"
)

// isCircuitAddr returns true if the multiaddr contains a /p2p-circuit component.
func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

func (n *Node) hasCircuitAddr() bool {
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			return true
		}
	}
	return false
}

// WaitForRelay polls the host's addresses for a /p2p-circuit address so the
// first address announcement already carries the relay path.
func (n *Node) WaitForRelay(ctx context.Context, timeout time.Duration) bool {
	if n.relayPeer == nil {
		return false
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if n.hasCircuitAddr() {
			logger.Info("relay: circuit address obtained")
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			logger.Warn("relay: no circuit address yet", logger.Duration("waited", timeout))
			return false
		case <-ticker.C:
		}
	}
}

// SubscribeAddressChanges calls onChange whenever the host's addresses
// change. Losing the circuit address starts relay recovery; onCircuit, if
// set, sees every flip of the circuit state.
func (n *Node) SubscribeAddressChanges(ctx context.Context, onChange func(), onCircuit func(bool)) {
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		logger.Warn("relay: subscribe to address changes failed", logger.Err(err))
		return
	}

	hadCircuit := n.hasCircuitAddr()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Out():
				hasCircuit := n.hasCircuitAddr()
				if hasCircuit != hadCircuit {
					if hasCircuit {
						logger.Info("relay: circuit address appeared")
					} else {
						logger.Warn("relay: circuit address lost, recovering")
						go n.recoverRelay(ctx)
					}
					hadCircuit = hasCircuit
					if onCircuit != nil {
						onCircuit(hasCircuit)
					}
				}
				if onChange != nil {
					onChange()
				}
			}
		}
	}()
}

// refreshRelay closes relay connections, clears dial backoff, reconnects and
// waits for a circuit reservation. Caller must hold relayRecoveryMu.
func (n *Node) refreshRelay(ctx context.Context, label string) bool {
	start := time.Now()
	conns := n.Host.Network().ConnsToPeer(n.relayPeer.ID)
	if len(conns) > 0 {
		n.diag("relay [%s]: closing %d relay connections", label, len(conns))
		for _, c := range conns {
			_ = c.Close()
		}
		// Relay v2 allows one reservation per peer; the old slot must be
		// released before a new one is requested.
		select {
		case <-time.After(n.relayCleanupDelay):
		case <-ctx.Done():
			return false
		}
	}

	if sw, ok := n.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(n.relayPeer.ID)
	}
	n.Host.Peerstore().AddAddrs(n.relayPeer.ID, n.relayPeer.Addrs, 10*time.Minute)

	connCtx, cancel := context.WithTimeout(ctx, n.relayConnectTimeout)
	defer cancel()
	if err := n.Host.Connect(connCtx, *n.relayPeer); err != nil {
		n.diag("relay [%s]: connect failed: %v", label, err)
		return false
	}

	resCtx, resCancel := context.WithTimeout(ctx, n.relayConnectTimeout)
	rsvp, err := relayv2client.Reserve(resCtx, n.Host, *n.relayPeer)
	resCancel()
	if err != nil {
		n.diag("relay [%s]: reserve failed: %v", label, err)
	} else {
		n.diag("relay [%s]: reserved until %s", label, rsvp.Expiration.Format("15:04:05"))
	}

	deadline := time.After(n.relayPollDeadline)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			logger.Warn("relay: recovery failed", logger.String("label", label), logger.Duration("after", time.Since(start)))
			return false
		case <-tick.C:
			if n.hasCircuitAddr() {
				logger.Info("relay: recovered", logger.String("label", label), logger.Duration("after", time.Since(start)))
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}

// recoverRelay gives autorelay a grace period, then forces a refresh and
// retries once after 30s.
func (n *Node) recoverRelay(ctx context.Context) {
	if n.relayPeer == nil {
		return
	}
	select {
	case <-time.After(n.relayRecoveryGrace):
	case <-ctx.Done():
		return
	}
	if n.hasCircuitAddr() {
		n.diag("relay: autorelay recovered on its own")
		return
	}
	if !n.relayRecoveryMu.TryLock() {
		return
	}
	defer n.relayRecoveryMu.Unlock()

	if n.refreshRelay(ctx, "recover") {
		return
	}
	select {
	case <-time.After(30 * time.Second):
	case <-ctx.Done():
		return
	}
	if !n.hasCircuitAddr() {
		n.refreshRelay(ctx, "recover-retry")
	}
}

// StartRelayRefresh periodically checks the reservation and refreshes it
// only when the circuit address is missing.
func (n *Node) StartRelayRefresh(ctx context.Context) {
	if n.relayPeer == nil {
		return
	}
	go func() {
		t := time.NewTicker(n.relayRefresh)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n.hasCircuitAddr() {
					continue
				}
				if n.relayRecoveryMu.TryLock() {
					n.refreshRelay(ctx, "refresh")
					n.relayRecoveryMu.Unlock()
				}
			}
		}
	}()
}

// nudgeRelay clears dial backoff and refreshes the relay's addresses without
// tearing down a live connection, dialing only when none exists.
func (n *Node) nudgeRelay(ctx context.Context) error {
	if n.relayPeer == nil {
		return nil
	}
	if sw, ok := n.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(n.relayPeer.ID)
	}
	n.Host.Peerstore().AddAddrs(n.relayPeer.ID, n.relayPeer.Addrs, 10*time.Minute)
	if len(n.Host.Network().ConnsToPeer(n.relayPeer.ID)) > 0 {
		return nil
	}
	return n.Host.Connect(ctx, *n.relayPeer)
}

// injectRelayAddrs adds <relay>/p2p/<relay-id>/p2p-circuit addresses for pid
// so it can be dialed through the relay even if it never announced one.
// Skipped when a direct connection already exists.
func (n *Node) injectRelayAddrs(pid peer.ID) {
	if n.relayPeer == nil {
		return
	}
	for _, c := range n.Host.Network().ConnsToPeer(pid) {
		if !isCircuitAddr(c.RemoteMultiaddr()) {
			return
		}
	}
	relayID := n.relayPeer.ID.String()
	p2pSuffix := "/p2p/" + relayID
	circuitSuffix := ma.StringCast("/p2p/" + relayID + "/p2p-circuit")

	for _, raddr := range n.relayPeer.Addrs {
		base := raddr
		if strings.HasSuffix(raddr.String(), p2pSuffix) {
			base = ma.StringCast(strings.TrimSuffix(raddr.String(), p2pSuffix))
		}
		circuitAddr := base.Encapsulate(circuitSuffix)
		n.Host.Peerstore().AddAddr(pid, circuitAddr, 10*time.Minute)
	}
}

// StartAddrPublisher announces this node's addresses to the rendezvous
// service now, on every address change and every half peer TTL.
func (n *Node) StartAddrPublisher(ctx context.Context, c *rendezvous.Client, every time.Duration) {
	if c == nil || c.BaseURL == "" {
		return
	}
	if every <= 0 {
		every = time.Minute
	}
	publish := func() {
		addrs := n.wanOrAll()
		if err := c.PublishAddrs(ctx, n.ID(), addrs); err != nil {
			logger.Warn("rendezvous: publish addresses failed", logger.Err(err))
			return
		}
		n.diag("rendezvous: published %d addresses", len(addrs))
	}
	changed := make(chan struct{}, 1)
	n.SubscribeAddressChanges(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, nil)

	go func() {
		publish()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			case <-changed:
			}
			publish()
		}
	}()
}

// durOrDefault converts seconds to a duration, falling back to def when sec <= 0.
func durOrDefault(sec int, def time.Duration) time.Duration {
	if sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return def
}

// relayInfoToAddrInfo converts a RelayInfo from the rendezvous server into
// a peer.AddrInfo suitable for autorelay.
func relayInfoToAddrInfo(ri *rendezvous.RelayInfo) (*peer.AddrInfo, error) {
	pid, err := peer.Decode(ri.PeerID)
	if err != nil {
		return nil, fmt.Errorf("decode relay peer ID: %w", err)
	}
	var addrs []ma.Multiaddr
	for _, s := range ri.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		addrs = append(addrs, a)
	}
	return &peer.AddrInfo{ID: pid, Addrs: addrs}, nil
}

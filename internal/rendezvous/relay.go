package rendezvous

import (
	"fmt"
	"net"
	"net/url"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/tandem/internal/identity"
	"github.com/petervdpas/tandem/internal/logger"
)

// RelayInfo describes the circuit relay peers fall back to when a holder
// is neither directly dialable nor on the LAN. Timing fields let a fleet
// be retuned from the server.
type RelayInfo struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`

	CleanupDelaySec    int `json:"cleanup_delay_sec,omitempty"`
	PollDeadlineSec    int `json:"poll_deadline_sec,omitempty"`
	ConnectTimeoutSec  int `json:"connect_timeout_sec,omitempty"`
	RefreshIntervalSec int `json:"refresh_interval_sec,omitempty"`
	RecoveryGraceSec   int `json:"recovery_grace_sec,omitempty"`

	// Per-circuit budget, so a follower knows roughly how much of a
	// track fits through one relayed stream.
	CircuitSec   int   `json:"circuit_sec,omitempty"`
	CircuitBytes int64 `json:"circuit_bytes,omitempty"`
}

// relayResources widens the default circuit limit so a relayed track
// transfer is not cut after the stock two minutes / 128 KiB.
func relayResources(limit time.Duration, data int64) relayv2.Resources {
	rc := relayv2.DefaultResources()
	if limit <= 0 && data <= 0 {
		return rc
	}
	l := relayv2.RelayLimit{Duration: 2 * time.Minute, Data: 1 << 17}
	if rc.Limit != nil {
		l = *rc.Limit
	}
	if limit > 0 {
		l.Duration = limit
	}
	if data > 0 {
		l.Data = data
	}
	rc.Limit = &l
	return rc
}

// startRelay brings up the relay host described by o.
func startRelay(o Options) (host.Host, *RelayInfo, error) {
	priv, created, err := identity.LoadOrCreate(o.RelayKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("relay key: %w", err)
	}
	if created {
		logger.Info("relay: generated new identity key", logger.String("path", o.RelayKeyFile))
	}

	rc := relayResources(o.RelayCircuit, o.RelayCircuitBytes)
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", o.RelayPort)),
		libp2p.EnableRelayService(relayv2.WithResources(rc)),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("relay host: %w", err)
	}

	info := o.RelayTiming
	info.PeerID = h.ID().String()
	info.Addrs = advertisedAddrs(h.Addrs(), buildPublicAddr(o.ExternalURL, o.RelayPort, info.PeerID))
	if rc.Limit != nil {
		info.CircuitSec = int(rc.Limit.Duration / time.Second)
		info.CircuitBytes = rc.Limit.Data
	}

	logger.Info("relay: listening",
		logger.Int("port", o.RelayPort),
		logger.String("peer", info.PeerID),
		logger.Int("addrs", len(info.Addrs)),
		logger.Int("circuit_sec", info.CircuitSec))
	return h, &info, nil
}

// advertisedAddrs puts public first and drops loopback listen addresses,
// which are useless to any peer that needs a relay.
func advertisedAddrs(listen []ma.Multiaddr, public string) []string {
	var out []string
	if public != "" {
		out = append(out, public)
	}
	for _, a := range listen {
		if manet.IsIPLoopback(a) || a.String() == public {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// buildPublicAddr resolves the host of externalURL into a dialable
// multiaddr like /ip4/<ip>/tcp/<port>/p2p/<id>. Empty on failure.
func buildPublicAddr(externalURL string, port int, peerID string) string {
	if externalURL == "" {
		return ""
	}
	u, err := url.Parse(externalURL)
	if err != nil {
		return ""
	}
	hostname := u.Hostname()
	if hostname == "" {
		return ""
	}

	ip := net.ParseIP(hostname)
	if ip == nil {
		ips, err := net.LookupIP(hostname)
		if err != nil || len(ips) == 0 {
			logger.Warn("relay: could not resolve external host", logger.String("host", hostname), logger.Err(err))
			return ""
		}
		ip = ips[0]
		for _, c := range ips {
			if c.To4() != nil {
				ip = c
				break
			}
		}
	}

	if ip.To4() != nil {
		return fmt.Sprintf("/ip4/%s/tcp/%d/p2p/%s", ip, port, peerID)
	}
	return fmt.Sprintf("/ip6/%s/tcp/%d/p2p/%s", ip, port, peerID)
}

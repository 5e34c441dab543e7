// Package p2p is the peer-to-peer side of tandem: a libp2p host that
// serves library tracks to session members, reaches holders through a
// direct → relay → LAN strategy chain and announces on the LAN which
// peer holds the track of which session.
package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/tandem/internal/identity"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/rendezvous"
	"github.com/petervdpas/tandem/internal/track"
	"github.com/petervdpas/tandem/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

func init() {
	// Dial failures and backoff errors go to stderr by default.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

type Options struct {
	ListenPort int

	// ListenAddrs replaces the default /ip4/0.0.0.0/tcp/<ListenPort>.
	ListenAddrs []string

	KeyFile     string
	MdnsTag     string
	HolderTopic string

	// Relay enables circuit relay, hole punching and autorelay.
	Relay *rendezvous.RelayInfo

	// PresenceTTL for announced direct addresses; circuit addresses use 10x.
	PresenceTTL time.Duration

	// Strategy timeouts; zero picks the defaults.
	DirectTimeout time.Duration
	RelayTimeout  time.Duration
	LANTimeout    time.Duration

	DisableMDNS bool

	// Optional address sources for the direct strategy.
	Cache  PeerCache
	Lookup PeerLookup
}

type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	md    mdns.Service

	presenceTTL time.Duration
	strategies  []Strategy
	cache       PeerCache
	lookup      PeerLookup

	// LAN peers found by mDNS and holder announcements.
	lan *lanTable

	serveMu sync.RWMutex
	lib     TrackLibrary
	policy  ServePolicy

	relayPeer           *peer.AddrInfo
	relayRecoveryMu     sync.Mutex
	relayCleanupDelay   time.Duration
	relayPollDeadline   time.Duration
	relayConnectTimeout time.Duration
	relayRecoveryGrace  time.Duration
	relayRefresh        time.Duration

	diagLogs *util.RingBuffer[string]
}

type mdnsNotifee struct {
	h   host.Host
	lan *lanTable
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	n.lan.sawPeer(pi)
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

func New(ctx context.Context, o Options) (*Node, error) {
	priv, isNew, err := identity.LoadOrCreate(o.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		logger.Info("p2p: generated identity key", logger.String("path", o.KeyFile))
	}
	if o.MdnsTag == "" {
		o.MdnsTag = proto.MdnsTag
	}
	if o.HolderTopic == "" {
		o.HolderTopic = proto.HolderTopic
	}

	listen := o.ListenAddrs
	if len(listen) == 0 {
		listen = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", o.ListenPort)}
	}
	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
	}

	var relayPeer *peer.AddrInfo
	if o.Relay != nil {
		ri, err := relayInfoToAddrInfo(o.Relay)
		if err == nil {
			relayPeer = ri
			opts = append(opts,
				libp2p.EnableRelay(),
				libp2p.EnableHolePunching(),
				libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*ri},
					autorelay.WithBootDelay(0),
					autorelay.WithBackoff(30*time.Second),
				),
				libp2p.ForceReachabilityPrivate(),
			)
			logger.Info("relay: enabled", logger.String("relay", ri.ID.String()), logger.Int("addrs", len(ri.Addrs)))
		} else {
			logger.Warn("relay: invalid relay info, skipping", logger.Err(err))
		}
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	n := &Node{
		Host:        h,
		presenceTTL: o.PresenceTTL,
		cache:       o.Cache,
		lookup:      o.Lookup,
		lan:         newLANTable(),
		relayPeer:   relayPeer,
		diagLogs:    util.NewRingBuffer[string](200),
	}
	if n.presenceTTL <= 0 {
		n.presenceTTL = 2 * time.Minute
	}
	if o.Relay != nil {
		n.relayCleanupDelay = durOrDefault(o.Relay.CleanupDelaySec, 3*time.Second)
		n.relayPollDeadline = durOrDefault(o.Relay.PollDeadlineSec, 25*time.Second)
		n.relayConnectTimeout = durOrDefault(o.Relay.ConnectTimeoutSec, 15*time.Second)
		n.relayRecoveryGrace = durOrDefault(o.Relay.RecoveryGraceSec, 5*time.Second)
		n.relayRefresh = durOrDefault(o.Relay.RefreshIntervalSec, 5*time.Minute)
	}
	n.strategies = []Strategy{
		&directStrategy{n: n, timeout: orDefault(o.DirectTimeout, 5*time.Second)},
		&relayStrategy{n: n, timeout: orDefault(o.RelayTimeout, 15*time.Second)},
		&lanStrategy{n: n, timeout: orDefault(o.LANTimeout, 5*time.Second)},
	}

	h.SetStreamHandler(protocol.ID(proto.TrackProtoID), n.handleTrackStream)

	if !o.DisableMDNS {
		md := mdns.NewMdnsService(h, o.MdnsTag, &mdnsNotifee{h: h, lan: n.lan})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
		n.md = md
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		n.Close()
		return nil, err
	}
	topic, err := ps.Join(o.HolderTopic)
	if err != nil {
		n.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		n.Close()
		return nil, err
	}
	n.ps, n.topic, n.sub = ps, topic, sub

	logger.Info("p2p: node started", logger.String("peer", n.ID()), logger.Strings("addrs", n.Addrs()))
	return n, nil
}

func (n *Node) Close() error {
	if n.sub != nil {
		n.sub.Cancel()
	}
	if n.topic != nil {
		_ = n.topic.Close()
	}
	if n.md != nil {
		_ = n.md.Close()
	}
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns every address the host listens on, loopback included.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		out = append(out, a.String())
	}
	return out
}

// Holder describes this node as a source for the track it publishes.
func (n *Node) Holder() *track.Holder {
	return &track.Holder{PeerID: n.ID(), Addrs: n.wanOrAll()}
}

func (n *Node) wanOrAll() []string {
	if addrs := n.wanAddrs(); len(addrs) > 0 {
		return addrs
	}
	return n.Addrs()
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses. Circuit relay addresses are always included.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore.
// Circuit relay addresses get a 10x TTL since they outlive announcements.
// Loopback and link-local addresses are dropped unless keepLocal is set.
func (n *Node) addPeerAddrs(pid peer.ID, addrs []string, keepLocal bool) int {
	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
			continue
		}
		if ip, err := manet.ToIP(a); err == nil && !keepLocal {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		direct = append(direct, a)
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, n.presenceTTL)
	}
	if len(circuit) > 0 {
		n.Host.Peerstore().AddAddrs(pid, circuit, n.presenceTTL*10)
	}
	return len(direct) + len(circuit)
}

// diag logs a relay/dial diagnostic and keeps it for Diagnostics.
func (n *Node) diag(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Debug(msg)
	n.diagLogs.Push(time.Now().Format("15:04:05") + " " + msg)
}

// Diagnostics returns the most recent relay and dial diagnostics.
func (n *Node) Diagnostics(max int) []string {
	return n.diagLogs.Last(max)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
